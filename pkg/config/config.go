// Package config loads the engine configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Duration is a time.Duration that accepts "10m" style strings in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", data)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type HTTPConfig struct {
	Addr string `json:"addr" env:"RELAYWIRE_HTTP_ADDR"`
}

type DatabaseConfig struct {
	// DSN is the SQLite path for both the configuration store and the
	// message map persistence.
	DSN string `json:"dsn" env:"RELAYWIRE_DB_DSN"`
}

type AMQPConfig struct {
	// URL enables lifecycle event publishing when non-empty.
	URL      string `json:"url" env:"RELAYWIRE_AMQP_URL"`
	Exchange string `json:"exchange" env:"RELAYWIRE_AMQP_EXCHANGE"`
}

type RelayConfig struct {
	SweepInterval Duration `json:"sweep_interval" env:"RELAYWIRE_SWEEP_INTERVAL"`
	BackfillPace  Duration `json:"backfill_pace" env:"RELAYWIRE_BACKFILL_PACE"`
}

type LogConfig struct {
	Level string `json:"level" env:"RELAYWIRE_LOG_LEVEL"`
}

type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Database DatabaseConfig `json:"database"`
	AMQP     AMQPConfig     `json:"amqp,omitzero"`
	Relay    RelayConfig    `json:"relay,omitzero"`
	Log      LogConfig      `json:"log,omitzero"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{DSN: "relaywire.db"},
		AMQP:     AMQPConfig{Exchange: "relaywire.events"},
		Relay: RelayConfig{
			SweepInterval: Duration(10 * time.Minute),
			BackfillPace:  Duration(3 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the JSON file at path (missing file means defaults) and then
// applies RELAYWIRE_* environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus env are a complete configuration.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}
	return cfg, nil
}
