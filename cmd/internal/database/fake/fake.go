// Package fake provides an in-memory database node for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/version"
)

// Database records the commands it receives and answers with the configured state.
type Database struct {
	mu sync.Mutex

	Release version.Release
	Mode    database.OperationMode

	// ModeAfterDecommission is the mode reported once Decommission returned, defaults to DECOMMISSIONED
	ModeAfterDecommission database.OperationMode

	// Err fails every command when set
	Err error

	// OnSnapshot is called on TakeSnapshot, e.g. to place sstables into the snapshot directory
	OnSnapshot func(name string, keyspaces []string) error

	// OnCleanup is called on Cleanup, e.g. to hold the operation in RUNNING
	OnCleanup func(keyspace string) error

	Calls []string
}

var _ database.Database = &Database{}

// New returns a NORMAL node of the given release.
func New(release string) *Database {
	return &Database{
		Release: version.MustParse(release),
		Mode:    database.ModeNormal,
	}
}

func (d *Database) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Calls = append(d.Calls, call)
	if d.Err != nil {
		return fmt.Errorf("%w: %s: %w", database.ErrAdmin, call, d.Err)
	}
	return nil
}

// Fail makes every following command fail with err, nil heals the node.
func (d *Database) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// Recorded returns a copy of the commands received so far.
func (d *Database) Recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Calls...)
}

func (d *Database) ReleaseVersion(_ context.Context) (version.Release, error) {
	if err := d.record("version"); err != nil {
		return version.Release{}, err
	}
	return d.Release, nil
}

func (d *Database) OperationMode(_ context.Context) (database.OperationMode, error) {
	if err := d.record("netstats"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Mode, nil
}

func (d *Database) Decommission(_ context.Context) error {
	if err := d.record("decommission"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Mode = d.ModeAfterDecommission
	if d.Mode == "" {
		d.Mode = database.ModeDecommissioned
	}
	return nil
}

func (d *Database) TakeSnapshot(_ context.Context, name string, keyspaces []string) error {
	if err := d.record("snapshot " + name); err != nil {
		return err
	}
	if d.OnSnapshot != nil {
		return d.OnSnapshot(name, keyspaces)
	}
	return nil
}

func (d *Database) ClearSnapshot(_ context.Context, name string, _ []string) error {
	return d.record("clearsnapshot " + name)
}

func (d *Database) Cleanup(_ context.Context, keyspace string, _ []string, _ int) error {
	if err := d.record("cleanup " + keyspace); err != nil {
		return err
	}
	if d.OnCleanup != nil {
		return d.OnCleanup(keyspace)
	}
	return nil
}

func (d *Database) Refresh(_ context.Context, keyspace, table string) error {
	return d.record("refresh " + keyspace + " " + table)
}
