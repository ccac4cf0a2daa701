package database

import (
	"context"
	"errors"

	"github.com/metal-stack/node-agent/cmd/internal/version"
)

// ErrAdmin is returned when the database rejects or fails an administrative command.
var ErrAdmin = errors.New("database administration failed")

// OperationMode is the mode a database node reports about itself.
type OperationMode string

const (
	ModeStarting       OperationMode = "STARTING"
	ModeNormal         OperationMode = "NORMAL"
	ModeJoining        OperationMode = "JOINING"
	ModeLeaving        OperationMode = "LEAVING"
	ModeDecommissioned OperationMode = "DECOMMISSIONED"
	ModeMoving         OperationMode = "MOVING"
	ModeDraining       OperationMode = "DRAINING"
	ModeDrained        OperationMode = "DRAINED"
)

// Admin is the administrative capability of the local database node.
type Admin interface {
	// ReleaseVersion returns the release the node is running.
	ReleaseVersion(ctx context.Context) (version.Release, error)

	// OperationMode returns the current mode of the node.
	OperationMode(ctx context.Context) (OperationMode, error)

	// Decommission streams the data of the node to the remaining cluster and removes it from the ring.
	//
	// The call blocks until the node has left the ring.
	Decommission(ctx context.Context) error
}

// Maintainer covers the data maintenance commands operations need besides Admin.
type Maintainer interface {
	// TakeSnapshot hard links the current sstables of the given keyspaces (all if empty) into a snapshot directory.
	TakeSnapshot(ctx context.Context, name string, keyspaces []string) error

	// ClearSnapshot removes the snapshot directories of the given name.
	ClearSnapshot(ctx context.Context, name string, keyspaces []string) error

	// Cleanup removes data the node no longer owns. An empty keyspace cleans all keyspaces.
	Cleanup(ctx context.Context, keyspace string, tables []string, jobs int) error

	// Refresh loads sstables placed into the table directory without a restart.
	Refresh(ctx context.Context, keyspace, table string) error
}

// Database is everything the sidecar needs from the local node.
type Database interface {
	Admin
	Maintainer
}
