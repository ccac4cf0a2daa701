package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/metal-stack/node-agent/cmd/internal/database"
)

var (
	probeInterval = 3 * time.Second
)

// Start blocks until the database node reports the NORMAL operation mode or ctx is done
func Start(ctx context.Context, log *slog.Logger, admin database.Admin) error {
	log.Info("start probing database")

	for {
		select {
		case <-ctx.Done():
			log.Info("received stop signal, shutting down")
			return ctx.Err()
		case <-time.After(probeInterval):
			mode, err := admin.OperationMode(ctx)
			if err != nil {
				log.Error("database is not yet reachable, waiting and retrying...", "error", err)
				continue
			}
			if mode == database.ModeNormal {
				log.Info("database is available", "mode", mode)
				return nil
			}
			log.Info("database is not yet in normal mode, waiting and retrying...", "mode", mode)
		}
	}
}
