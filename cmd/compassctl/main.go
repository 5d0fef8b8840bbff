// Command compassctl administers a compass database: migrations,
// organizations, connections, bot mappings, and DEK maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuitang/compass/internal/app"
	"github.com/kuitang/compass/internal/config"
	"github.com/kuitang/compass/internal/obs"
)

func main() {
	obs.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openFromEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openFromEnv loads configuration from the environment. Stripe is never used
// by the CLI; DEK escrow is enabled when BACKUP_BUCKET is set.
func openFromEnv(ctx context.Context, databaseURL string) (*app.App, error) {
	if databaseURL != "" {
		if err := os.Setenv("DATABASE_URL", databaseURL); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(config.Flags{
		NoStripe: true,
		NoBackup: os.Getenv("BACKUP_BUCKET") == "",
	})
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg)
}
