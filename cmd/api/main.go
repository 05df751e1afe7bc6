package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/auth"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/config"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/discord"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/dispatch"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/enrollment"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/handlers"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/httpserver"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/mailchimp"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/monday"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/pipeline"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/store"
)

// main boots the service: config → logging → DB → clients → pipeline → HTTP server.
func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("service stopped")
		os.Exit(1)
	}
}

func run() error {
	// Runtime config: defaults, then config.yaml, then environment.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres is optional; without it deliveries are not deduplicated.
	var st store.Store = store.Nop{}
	checks := map[string]httpserver.ReadyCheck{}
	if cfg.Database.URL != "" {
		db, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = db
		checks["database"] = db.Ping
	} else {
		logging.Warn().Msg("database.url not set, webhook redeliveries will be reprocessed")
	}
	defer st.Close()

	exec := monday.NewBreakerExecutor(monday.NewClient(cfg.Monday))
	items := monday.NewItems(exec, cfg.Monday.BoardID, cfg.Monday.TouchpointColumnID)
	finder := monday.NewFinder(exec, monday.FinderConfig{
		BoardID:            cfg.Monday.BoardID,
		EmailColumnIDs:     cfg.Monday.EmailColumnIDs,
		TouchpointColumnID: cfg.Monday.TouchpointColumnID,
		ScanLimit:          cfg.Monday.ScanLimit,
		CacheSize:          cfg.Monday.CacheSize,
		CacheTTL:           cfg.Monday.CacheTTL,
	})
	resolver := monday.NewResolver(nil)

	audience := mailchimp.NewClient(cfg.Mailchimp)
	checks["mailchimp"] = audience.AudienceCheck(cfg.Mailchimp.ListID)

	notifier := discord.NewNotifier(cfg.Discord)
	if !notifier.Enabled() {
		logging.Warn().Msg("discord webhook missing or malformed, notifications disabled")
	}

	dispatcher := dispatch.New(cfg.Pipeline.MaxInFlight, dispatch.ReporterFunc(func(ctx context.Context, task string, err error) {
		notifier.Notify(ctx, discord.Message{
			Title:       "Background task failed",
			Description: task,
			Color:       discord.ColorError,
			Fields: []discord.Field{
				{Name: "Error", Value: err.Error()},
				{Name: "Correlation ID", Value: logging.CorrelationID(ctx), Inline: true},
			},
		})
	}))

	orchestrator := enrollment.New(
		enrollment.OptionsFromConfig(cfg.Mailchimp, cfg.Enrollment),
		audience, resolver, notifier, st, dispatcher,
	)
	svc := pipeline.NewService(finder, items, orchestrator, notifier, resolver, cfg.Pipeline.BatchInterval)

	verifier := auth.NewVerifier(cfg.Auth)
	if cfg.Auth.AllowUnsigned {
		logging.Warn().Msg("unsigned webhooks allowed, do not run this in production")
	}

	router := httpserver.NewRouter(httpserver.Dependencies{
		Verifier: verifier,
		Webhooks: handlers.Deps{
			Processor:  svc,
			Spawner:    dispatcher,
			Deliveries: st,
			Batches:    verifier,
		},
		Enrollments: st,
		Checks:      checks,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	// Stop accepting webhooks, then let accepted work finish.
	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("http shutdown")
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("background tasks still running at shutdown")
	}
	return nil
}
