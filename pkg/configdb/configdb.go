// Package configdb reads tenant and relay service configuration from the
// SQLite database owned by the dashboard layer. The engine only reads
// snapshots and stamps activation times; all other writes belong to the
// dashboard.
package configdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/generate"
	"github.com/relaywire/relaywire/pkg/orchestrator"
	"github.com/relaywire/relaywire/pkg/relay"
)

type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id TEXT PRIMARY KEY,
			backend_kind TEXT NOT NULL,
			backend_token TEXT NOT NULL,
			notify_channel TEXT NOT NULL DEFAULT '',
			generation_provider TEXT NOT NULL DEFAULT '',
			generation_api_key TEXT NOT NULL DEFAULT '',
			generation_model TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS relay_services (
			service_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			sources TEXT NOT NULL,
			destinations TEXT NOT NULL,
			rules TEXT NOT NULL DEFAULT '[]',
			prompt TEXT NOT NULL DEFAULT '',
			copy_backfill INTEGER NOT NULL DEFAULT 0,
			copy_limit INTEGER NOT NULL DEFAULT 0,
			copy_order TEXT NOT NULL DEFAULT '',
			copy_anchor TEXT NOT NULL DEFAULT '',
			copy_direction TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			activated_at INTEGER,
			FOREIGN KEY (tenant_id) REFERENCES tenants(tenant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_services_tenant ON relay_services(tenant_id, active)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListActiveServices(ctx context.Context, tenantID string) ([]relay.ServiceConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_id, name, mode, sources, destinations, rules, prompt,
		        copy_backfill, copy_limit, copy_order, copy_anchor, copy_direction, activated_at
		 FROM relay_services WHERE tenant_id = ? AND active = 1 ORDER BY service_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing services for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []relay.ServiceConfig
	for rows.Next() {
		var (
			cfg         relay.ServiceConfig
			sources     string
			dests       string
			rules       string
			backfill    int
			activatedAt sql.NullInt64
		)
		cfg.TenantID = tenantID
		cfg.Active = true
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Mode, &sources, &dests, &rules, &cfg.Prompt,
			&backfill, &cfg.Copy.Limit, &cfg.Copy.Order, &cfg.Copy.AnchorID, &cfg.Copy.Direction, &activatedAt); err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &cfg.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources for %s: %w", cfg.ID, err)
		}
		if err := json.Unmarshal([]byte(dests), &cfg.Destinations); err != nil {
			return nil, fmt.Errorf("decoding destinations for %s: %w", cfg.ID, err)
		}
		if rules != "" {
			if err := json.Unmarshal([]byte(rules), &cfg.Rules); err != nil {
				return nil, fmt.Errorf("decoding rules for %s: %w", cfg.ID, err)
			}
		}
		cfg.Copy.Backfill = backfill != 0
		if activatedAt.Valid {
			at := time.Unix(activatedAt.Int64, 0)
			cfg.ActivatedAt = &at
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) TenantCredentials(ctx context.Context, tenantID string) (orchestrator.Credentials, error) {
	var (
		creds    orchestrator.Credentials
		provider string
		apiKey   string
		model    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT backend_kind, backend_token, notify_channel, generation_provider, generation_api_key, generation_model
		 FROM tenants WHERE tenant_id = ?`, tenantID).
		Scan(&creds.Connection.Kind, &creds.Connection.Token, &creds.Connection.NotifyChannel,
			&provider, &apiKey, &model)
	if err == sql.ErrNoRows {
		return creds, fmt.Errorf("tenant %s: %w", tenantID, backend.ErrInvalidCredential)
	}
	if err != nil {
		return creds, fmt.Errorf("loading credentials for %s: %w", tenantID, err)
	}
	if apiKey != "" {
		creds.Generation = &generate.Credential{Provider: provider, APIKey: apiKey, Model: model}
	}
	return creds, nil
}

func (s *Store) MarkServiceActivated(ctx context.Context, serviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE relay_services SET activated_at = ? WHERE service_id = ? AND activated_at IS NULL`,
		at.Unix(), serviceID)
	if err != nil {
		return fmt.Errorf("marking %s activated: %w", serviceID, err)
	}
	return nil
}

var _ orchestrator.ConfigStore = (*Store)(nil)
