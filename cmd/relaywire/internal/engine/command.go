package engine

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaywire/relaywire/pkg/backend/dial"
	"github.com/relaywire/relaywire/pkg/backfill"
	"github.com/relaywire/relaywire/pkg/config"
	"github.com/relaywire/relaywire/pkg/configdb"
	"github.com/relaywire/relaywire/pkg/conn"
	"github.com/relaywire/relaywire/pkg/events"
	"github.com/relaywire/relaywire/pkg/httpapi"
	"github.com/relaywire/relaywire/pkg/mapstore"
	"github.com/relaywire/relaywire/pkg/orchestrator"
)

func NewEngineCommand() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "engine",
		Aliases: []string{"e"},
		Short:   "Run the relay engine",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relaywire.json", "Path to the config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func run(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log.Level, debug)

	store, err := configdb.NewStore(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	persist, err := mapstore.NewSQLitePersistence(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer persist.Close()
	maps := mapstore.NewStore(persist, log)

	var pub events.Publisher = events.NopPublisher{}
	if cfg.AMQP.URL != "" {
		p, err := events.NewRabbitPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return err
		}
		pub = p
	}
	defer pub.Close()

	conns := conn.NewRegistry(dial.New(log), log)
	backfills := backfill.NewManager(cfg.Relay.BackfillPace.Std(), log)

	orch := orchestrator.New(store, conns, maps, backfills, pub, log)
	if d := cfg.Relay.SweepInterval.Std(); d > 0 {
		orch.SetSweepInterval(d)
	}

	srv := httpapi.NewServer(httpapi.NewHandler(orch, log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("engine listening")
		if err := srv.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	orch.Shutdown(shutdownCtx)
	return nil
}

func newLogger(level string, debug bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}
