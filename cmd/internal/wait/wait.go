package wait

import (
	"context"
	"log/slog"
	"time"

	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/pkg/client"
)

const (
	waitInterval = 3 * time.Second
)

// Start returns when the node agent at addr reports its database node in NORMAL mode
func Start(ctx context.Context, log *slog.Logger, addr string) error {
	return start(ctx, log, client.New(client.WithLogger(log)), addr, waitInterval)
}

func start(ctx context.Context, log *slog.Logger, c *client.Client, addr string, interval time.Duration) error {
	log.Info("waiting until database node is available", "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			log.Info("received stop signal, shutting down")
			return nil
		case <-time.After(interval):
			status, err := c.NodeStatus(ctx, addr)
			if err != nil {
				log.Error("error retrieving node status from sidecar", "error", err)
				continue
			}

			if status.OperationMode == string(database.ModeNormal) {
				log.Info("database node is available", "release", status.ReleaseVersion, "managed-version", status.ManagedVersion)
				return nil
			}

			log.Info("database node is not yet available", "mode", status.OperationMode)
		}
	}
}
