package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/operations"
)

// Kind returns the cleanup operation kind
func Kind(log *slog.Logger, db database.Maintainer) operations.Kind {
	return operations.Kind{
		New: func(raw json.RawMessage) (operations.Runner, error) {
			req, err := operations.Decode[v1.CleanupRequest](raw)
			if err != nil {
				return nil, err
			}
			return &cleanup{log: log, db: db, req: req}, nil
		},
	}
}

type cleanup struct {
	log *slog.Logger
	db  database.Maintainer
	req *v1.CleanupRequest
}

func (c *cleanup) Request() any {
	return c.req
}

// Run removes data the node no longer owns, all keyspaces if none is given.
func (c *cleanup) Run(ctx context.Context) error {
	log := c.log.With("keyspace", c.req.Keyspace, "tables", c.req.Tables)

	log.Info("cleaning up")

	if err := c.db.Cleanup(ctx, c.req.Keyspace, c.req.Tables, c.req.Jobs); err != nil {
		return err
	}

	log.Info("cleanup done")

	return nil
}
