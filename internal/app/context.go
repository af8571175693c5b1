package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"msigwallet/internal/config"
	"msigwallet/internal/db"
	"msigwallet/internal/dispatch"
	"msigwallet/internal/engine"
	"msigwallet/internal/migrate"
	"msigwallet/internal/notify"
)

type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Registerer receives the engine metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Notify connects to NATS when wallet.yml names a server.
	Notify bool
	// Recover finalizes executions interrupted by a previous crash. Only the
	// process that owns execution (msig serve) should set it.
	Recover bool
}

// Wallet is an opened workspace: config, database and a bootstrapped engine.
type Wallet struct {
	Config *config.Config
	DB     *sql.DB
	Engine *engine.Engine

	closers []func()
}

// Open loads wallet.yml, migrates the database and returns an engine over a
// bootstrapped wallet. The genesis section of wallet.yml is applied only
// when the database holds no wallet yet.
func Open(ctx context.Context, opts Options) (*Wallet, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	w := &Wallet{Config: cfg, DB: conn}
	w.closers = append(w.closers, func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		w.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	httpDispatcher := dispatch.NewHTTP(cfg.Dispatch, logger)
	w.closers = append(w.closers, httpDispatcher.Close)

	var notifier engine.Notifier
	if opts.Notify && cfg.Notify.NATSURL != "" {
		pub, closeNATS, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix, cfg.Wallet.ID, logger)
		if err != nil {
			logger.Warn("event notifications disabled", "error", err)
		} else {
			notifier = pub
			w.closers = append(w.closers, closeNATS)
		}
	}

	var metrics *engine.Metrics
	if opts.Registerer != nil {
		metrics = engine.NewMetrics(opts.Registerer)
	}
	w.Engine = engine.New(conn, engine.Options{
		Dispatcher:      httpDispatcher,
		Notifier:        notifier,
		Logger:          logger,
		Metrics:         metrics,
		DispatchTimeout: cfg.Dispatch.Timeout,
	})
	if _, _, err := w.Engine.Bootstrap(ctx, cfg); err != nil {
		w.Close()
		return nil, fmt.Errorf("bootstrap wallet: %w", err)
	}
	if opts.Recover {
		if _, err := w.Engine.Recover(ctx); err != nil {
			w.Close()
			return nil, fmt.Errorf("recover executions: %w", err)
		}
	}
	return w, nil
}

// Close releases resources in reverse order of acquisition.
func (w *Wallet) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}
