package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/httpapi"
	"github.com/agentworkforce/relaycal/internal/ownerlock"
	"github.com/agentworkforce/relaycal/internal/remote"
	"github.com/agentworkforce/relaycal/internal/taxonomy"
	"github.com/agentworkforce/relaycal/internal/watermark"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync owner",
	Long: `Run the single sync owner for the data directory.

The owner holds an exclusive lock, drains the action log to the remote
calendar every tick_interval, runs drift detection on drift_cron, publishes
the sync watermark to watermark_path and serves the control API on listen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, logCloser := newLogger("[relaycal] ", "")
		cfg, err := loadConfig(cmd, logger)
		if err != nil {
			return err
		}
		if provider, _ := cmd.Flags().GetString("provider"); provider != "" {
			cfg.Remote.Provider = provider
			cfg.Normalize()
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.LogFile != "" {
			_ = logCloser.Close()
			logger, logCloser = newLogger("[relaycal] ", cfg.LogFile)
		}
		defer logCloser.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runOwner(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().String("provider", "", "remote provider: http or memory (overrides config)")
	serveCmd.Flags().String("listen", "", "control API listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

type owner struct {
	lock      *ownerlock.Lock
	actionLog *calsync.ActionLog
	engine    *calsync.Engine
	hub       *watermark.Hub
	router    *calsync.Router
	taxonomy  taxonomy.Source

	closeOnce sync.Once
}

// openOwner acquires the owner lock and wires the engine. Callers must call
// close when done.
func openOwner(cfg *config.Config, logger *log.Logger) (*owner, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	lock, err := ownerlock.Acquire(cfg.LockPath())
	if err != nil {
		if errors.Is(err, ownerlock.ErrHeld) {
			return nil, fmt.Errorf("%w: %v", calsync.ErrOwnerConflict, err)
		}
		return nil, err
	}
	o := &owner{lock: lock}
	fail := func(err error) (*owner, error) {
		o.close()
		return nil, err
	}

	backend, err := calsync.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return fail(fmt.Errorf("state backend: %w", err))
	}
	o.actionLog, err = calsync.OpenActionLog(calsync.ActionLogOptions{Backend: backend, Logger: logger})
	if err != nil {
		return fail(err)
	}
	store, err := calsync.OpenLocalEventStore(backend, nil)
	if err != nil {
		return fail(err)
	}

	o.router, o.taxonomy, err = buildRouter(cfg, logger)
	if err != nil {
		return fail(err)
	}
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return fail(err)
	}

	slot, err := watermark.NewFileSlot(cfg.WatermarkPath, logger)
	if err != nil {
		return fail(err)
	}
	o.hub = watermark.NewHub(logger)
	publisher, err := watermark.NewPublisher(slot, ownerID(), o.hub)
	if err != nil {
		return fail(err)
	}

	scheduler, err := calsync.NewScheduler(calsync.SchedulerOptions{
		Log:       o.actionLog,
		Store:     store,
		Router:    o.router,
		Adapter:   adapter,
		Publisher: publisher,
		Backoff: calsync.BackoffPolicy{
			Base:        cfg.Backoff.Base,
			Multiplier:  cfg.Backoff.Multiplier,
			Cap:         cfg.Backoff.Cap,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
		Interval:       cfg.TickInterval,
		IntervalJitter: cfg.TickJitter,
		MaxConcurrency: cfg.MaxConcurrency,
		CallTimeout:    cfg.CallTimeout,
		DriftSchedule:  cfg.DriftCron,
		Logger:         logger,
	})
	if err != nil {
		return fail(err)
	}
	o.engine = calsync.NewEngine(scheduler)
	return o, nil
}

func (o *owner) close() {
	o.closeOnce.Do(func() {
		if o.engine != nil {
			o.engine.Stop()
			o.engine.Wait()
		}
		if o.hub != nil {
			_ = o.hub.Close()
		}
		if o.actionLog != nil {
			_ = o.actionLog.Close()
		}
		_ = o.lock.Release()
	})
}

func runOwner(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	o, err := openOwner(cfg, logger)
	if err != nil {
		return err
	}
	defer o.close()

	if o.taxonomy != nil {
		go func() {
			err := o.taxonomy.Watch(ctx, func(next taxonomy.Taxonomy) {
				o.engine.SetRouter(next.Router(cfg.DefaultCalendar))
			})
			if err != nil {
				logger.Printf("taxonomy watch stopped: %v", err)
			}
		}()
	}

	var httpServer *http.Server
	serveErr := make(chan error, 1)
	if strings.TrimSpace(cfg.Listen) != "" {
		httpServer = &http.Server{
			Addr: cfg.Listen,
			Handler: httpapi.NewServer(o.engine, o.hub, httpapi.ServerConfig{
				JWTSecret: cfg.JWTSecret,
				Logger:    logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Printf("relaycal control api listening on %s", cfg.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	if err := o.engine.Start(); err != nil {
		return err
	}
	logger.Printf("relaycal owner started: data_dir=%s state=%s pending=%d", cfg.DataDir, redactDSN(cfg.StateDSN), o.actionLog.Len())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Printf("control api failed: %v", err)
		return err
	}

	logger.Printf("relaycal owner shutting down")
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func buildRouter(cfg *config.Config, logger *log.Logger) (*calsync.Router, taxonomy.Source, error) {
	if strings.TrimSpace(cfg.TaxonomyFile) == "" {
		return calsync.NewRouter(cfg.TagCalendars, cfg.DefaultCalendar), nil, nil
	}
	var tlog taxonomy.Logger
	if logger != nil {
		tlog = logger
	}
	source, err := taxonomy.NewFileSource(cfg.TaxonomyFile, tlog)
	if err != nil {
		return nil, nil, err
	}
	tax, err := source.Load()
	if err != nil {
		return nil, nil, err
	}
	return tax.Router(cfg.DefaultCalendar), source, nil
}

func buildAdapter(cfg *config.Config) (calsync.RemoteAdapter, error) {
	switch cfg.Remote.Provider {
	case config.ProviderMemory:
		return remote.NewMemoryCalendar(), nil
	case config.ProviderHTTP:
		if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
			return nil, fmt.Errorf("remote.base_url is required for the http provider")
		}
		return remote.NewHTTPClient(remote.HTTPClientOptions{
			BaseURL:       cfg.Remote.BaseURL,
			TokenProvider: remote.StaticToken(cfg.Remote.Token),
			HTTPClient:    &http.Client{Timeout: cfg.Remote.Timeout},
		}), nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Remote.Provider)
	}
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// redactDSN hides credentials in connection strings before logging.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
