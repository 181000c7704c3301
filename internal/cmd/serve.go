package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/teamrun/internal/agent"
	"github.com/Iron-Ham/teamrun/internal/api"
	"github.com/Iron-Ham/teamrun/internal/build"
	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/ledger"
	"github.com/Iron-Ham/teamrun/internal/logging"
	"github.com/Iron-Ham/teamrun/internal/maintenance"
	"github.com/Iron-Ham/teamrun/internal/reconcile"
	"github.com/Iron-Ham/teamrun/internal/session"
	"github.com/Iron-Ham/teamrun/internal/store"
	"github.com/Iron-Ham/teamrun/internal/telemetry"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the teamrun server",
	Long: `Run the HTTP API and event stream.

On start the server takes the data directory lock, marks sessions left
running by a previous process as failed, reloads team budgets into the
ledger and restores pending changes. On SIGINT/SIGTERM it stops running
sessions, closes event streams and flushes telemetry before exiting.

Variables from a .env file in the working directory (or --env-file) are
loaded before configuration is read, so TEAMRUN_* settings can live there.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("env-file", ".env", "dotenv file to load before reading configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer logger.Close()

	ctx := cmd.Context()
	lock, err := store.AcquireLock(filepath.Dir(cfg.DatabasePath()), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release lock", "error", err.Error())
		}
	}()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpSrv := srv.api.HTTPServer(cfg.Server.Addr,
		time.Duration(cfg.Server.ReadTimeoutSec)*time.Second,
		time.Duration(cfg.Server.WriteTimeoutSec)*time.Second)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "teamrun listening on %s\n", cfg.Server.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err.Error())
	}
	srv.shutdown(shutdownCtx)
	return serveErr
}

// server is the wired set of components behind the API.
type server struct {
	logger   *logging.Logger
	store    *store.Store
	ledger   *ledger.Ledger
	bus      *event.Bus
	registry *event.Registry
	changes  *reconcile.Reconciler
	sessions *session.Manager
	builds   *build.Runner
	watcher  *workspace.Watcher
	tel      *telemetry.Telemetry
	maint    *maintenance.Scheduler
	api      *api.Server

	cancelWatch context.CancelFunc
}

// newServer opens storage, recovers state left by a previous process and
// wires every component. The caller must hold the data directory lock.
func newServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*server, error) {
	s := &server{logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.shutdown(context.Background())
		}
	}()

	var err error
	s.store, err = store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	interrupted, err := s.store.MarkInterrupted(ctx, session.ReasonInterrupted, time.Now())
	if err != nil {
		return nil, err
	}
	if interrupted > 0 {
		logger.Warn("sessions interrupted by restart", "count", interrupted)
	}

	s.ledger = ledger.New(ledgerOptions(cfg, logger)...)
	teams, err := s.store.ListTeams(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, t := range teams {
		s.ledger.SetTeam(t.ID, t.BudgetLimit, t.BudgetUsed)
	}

	ws, err := workspace.New(cfg.WorkspaceRoot())
	if err != nil {
		return nil, err
	}

	s.bus = event.NewBus(logger)
	s.registry = event.NewRegistry(cfg.Events.SendBuffer, logger)
	s.registry.Attach(s.bus)

	s.changes, err = reconcile.New(ws, s.bus, reconcile.Config{
		AutoApply:          cfg.Reconciler.AutoApply,
		ConfirmBeforeApply: cfg.Reconciler.ConfirmBeforeApply,
		Delay:              cfg.Reconciler.AutoApplyDelay(),
		ProtectedPaths:     cfg.Reconciler.ProtectedPaths,
	}, reconcile.WithStore(s.store), reconcile.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListPendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	s.changes.Restore(pending)

	gen, err := agent.NewFromConfig(cfg.Agent)
	if err != nil {
		return nil, err
	}
	s.sessions = session.NewManager(gen, s.ledger, s.changes, s.bus, session.Config{
		EstimatedTurnCost: cfg.Session.EstimatedTurnCost,
		MaxTurnRetries:    cfg.Session.MaxTurnRetries,
		RetryInitialDelay: cfg.Session.RetryInitialDelay(),
		RetryMaxDelay:     cfg.Session.RetryMaxDelay(),
		MaxIterations:     cfg.Session.MaxIterations,
	}, session.WithStore(s.store), session.WithFiles(ws), session.WithLogger(logger))

	s.builds = build.NewRunner(ws, s.bus, cfg.Build, logger)

	if cfg.Workspace.Watch {
		s.watcher, err = workspace.NewWatcher(ws, s.bus, logger, time.Duration(cfg.Workspace.WatchDebounceMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		s.cancelWatch = cancel
		go s.watcher.Run(watchCtx)
	}

	s.tel, err = telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}
	s.tel.Attach(s.bus)
	if err := s.tel.ObserveConnections(s.registry); err != nil {
		return nil, err
	}

	s.maint, err = maintenance.New(cfg.Maintenance, maintenance.Jobs{
		Rates:          s.ledger,
		Audit:          s.store,
		Changes:        s.changes,
		AuditRetention: time.Duration(cfg.Reconciler.AuditRetentionDays) * 24 * time.Hour,
		MaxPendingAge:  cfg.Reconciler.MaxPendingAge(),
	}, logger)
	if err != nil {
		return nil, err
	}
	s.maint.Start()

	s.api = api.New(api.Config{
		AuthToken:    cfg.Server.AuthToken,
		WriteTimeout: cfg.Events.WriteTimeout(),
		PingInterval: cfg.Events.PingInterval(),
	}, api.Deps{
		Teams:    s.store,
		Sessions: s.sessions,
		Changes:  s.changes,
		Files:    ws,
		Builds:   s.builds,
		Audit:    s.store,
		Ledger:   s.ledger,
		Registry: s.registry,
		Logger:   logger,
	})

	logger.Info("server ready",
		"teams", len(teams),
		"pending_changes", len(pending),
		"workspace", ws.Root(),
		"database", cfg.DatabasePath())
	ok = true
	return s, nil
}

func ledgerOptions(cfg *config.Config, logger *logging.Logger) []ledger.Option {
	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithUnconfiguredRemaining(cfg.Ledger.UnconfiguredRemaining),
	}
	if d := cfg.Ledger.DefaultRate; d.MaxRequests > 0 && d.WindowSec > 0 {
		opts = append(opts, ledger.WithDefaultRateLimit(ledger.RateLimit{Window: d.Window(), MaxRequests: d.MaxRequests}))
	}
	for endpoint, r := range cfg.Ledger.Endpoints {
		opts = append(opts, ledger.WithRateLimit(endpoint, ledger.RateLimit{Window: r.Window(), MaxRequests: r.MaxRequests}))
	}
	return opts
}

// shutdown stops components in dependency order. Streams are closed before
// sessions stop so clients see the server going away rather than a burst
// of stopped sessions.
func (s *server) shutdown(ctx context.Context) {
	if s.registry != nil {
		s.registry.Close()
	}
	if s.sessions != nil {
		if err := s.sessions.Shutdown(ctx); err != nil {
			s.logger.Warn("sessions did not stop cleanly", "error", err.Error())
		}
	}
	if s.maint != nil {
		if err := s.maint.Stop(ctx); err != nil {
			s.logger.Warn("maintenance did not stop cleanly", "error", err.Error())
		}
	}
	if s.builds != nil {
		s.builds.Close()
	}
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.watcher.Stop()
	}
	if s.changes != nil {
		s.changes.Close()
	}
	if s.tel != nil {
		if err := s.tel.Close(ctx); err != nil {
			s.logger.Warn("telemetry flush failed", "error", err.Error())
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("failed to close store", "error", err.Error())
		}
	}
	s.logger.Info("server stopped")
}
