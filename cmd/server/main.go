// Command server runs the compass admin API and billing webhook endpoint.
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

	"github.com/kuitang/compass/internal/api"
	"github.com/kuitang/compass/internal/app"
	"github.com/kuitang/compass/internal/config"
	"github.com/kuitang/compass/internal/obs"
	"github.com/kuitang/compass/internal/ratelimit"
)

func main() {
	obs.Init()
	if err := run(os.Args[1:]); err != nil {
		obs.Pkg("main").Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	logger := obs.Pkg("main")

	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		if config.IsValidationError(err) {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	cfg.PrintStartupSummary(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer a.Close()

	applied, err := a.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema ready", "applied", applied)

	limiter := ratelimit.New(cfg.RateLimitConfig)
	defer limiter.Stop()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(a, cfg, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newRouter builds the API mux wrapped in request correlation and access logging.
func newRouter(a *app.App, cfg *config.Config, limiter *ratelimit.Limiter) http.Handler {
	h := api.NewHandler(a.Store, a.Billing,
		api.WithAdminToken(cfg.AdminToken),
		api.WithRateLimiter(limiter),
		api.WithBaseURL(cfg.BaseURL),
	)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("http", mux))
}
