package decommission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/operations"
)

// Kind returns the decommission operation kind
func Kind(log *slog.Logger, admin database.Admin) operations.Kind {
	return operations.Kind{
		New: func(raw json.RawMessage) (operations.Runner, error) {
			req, err := operations.Decode[v1.DecommissionRequest](raw)
			if err != nil {
				return nil, err
			}
			return &decommission{log: log, admin: admin, req: req}, nil
		},
	}
}

type decommission struct {
	log   *slog.Logger
	admin database.Admin
	req   *v1.DecommissionRequest
}

func (d *decommission) Request() any {
	return d.req
}

// Run streams the data of the node to the remaining nodes. A node which already left is not touched again.
func (d *decommission) Run(ctx context.Context) error {
	mode, err := d.admin.OperationMode(ctx)
	if err != nil {
		return err
	}

	switch mode {
	case database.ModeDecommissioned:
		d.log.Info("node is already decommissioned")
		return nil
	case database.ModeNormal:
	default:
		return fmt.Errorf("%w: node cannot be decommissioned in mode %s", database.ErrAdmin, mode)
	}

	d.log.Info("decommissioning node")

	if err := d.admin.Decommission(ctx); err != nil {
		return err
	}

	mode, err = d.admin.OperationMode(ctx)
	if err != nil {
		return err
	}
	if mode != database.ModeDecommissioned {
		return fmt.Errorf("%w: node reports mode %s after decommission", database.ErrAdmin, mode)
	}

	d.log.Info("node decommissioned")

	return nil
}
