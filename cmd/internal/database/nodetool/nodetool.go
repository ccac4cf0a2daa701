package nodetool

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/utils"
	"github.com/metal-stack/node-agent/cmd/internal/version"
)

const (
	nodetoolCmd = "nodetool"
)

// Nodetool implements the database interface by calling the nodetool binary
type Nodetool struct {
	host         string
	port         int
	user         string
	passwordFile string
	log          *slog.Logger
	executor     utils.Executor
}

// Option configures the nodetool adapter
type Option func(n *Nodetool)

// WithJMX points nodetool to a jmx endpoint other than localhost:7199
func WithJMX(host string, port int) Option {
	return func(n *Nodetool) {
		n.host = host
		n.port = port
	}
}

// WithCredentials uses jmx authentication, the password is read by nodetool from the given file
func WithCredentials(user, passwordFile string) Option {
	return func(n *Nodetool) {
		n.user = user
		n.passwordFile = passwordFile
	}
}

// WithExecutor replaces the command executor
func WithExecutor(e utils.Executor) Option {
	return func(n *Nodetool) {
		n.executor = e
	}
}

// New instantiates a new nodetool adapter
func New(log *slog.Logger, opts ...Option) *Nodetool {
	n := &Nodetool{
		log:      log,
		executor: utils.NewExecutor(log),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Nodetool) run(ctx context.Context, args ...string) (string, error) {
	var global []string
	if n.host != "" {
		global = append(global, "-h", n.host)
	}
	if n.port != 0 {
		global = append(global, "-p", strconv.Itoa(n.port))
	}
	if n.user != "" {
		global = append(global, "-u", n.user)
	}
	if n.passwordFile != "" {
		global = append(global, "-pwf", n.passwordFile)
	}

	out, err := n.executor.ExecuteCommandWithOutput(ctx, nodetoolCmd, nil, append(global, args...)...)
	if err != nil {
		return out, fmt.Errorf("%w: nodetool %s: %s: %w", database.ErrAdmin, args[0], out, err)
	}

	return out, nil
}

// field returns the value of the first "key: value" line of the given key
func field(out, key string) (string, bool) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		k, v, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		if strings.TrimSpace(k) == key {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// ReleaseVersion returns the release the node is running
func (n *Nodetool) ReleaseVersion(ctx context.Context) (version.Release, error) {
	out, err := n.run(ctx, "version")
	if err != nil {
		return version.Release{}, err
	}

	raw, ok := field(out, "ReleaseVersion")
	if !ok {
		return version.Release{}, fmt.Errorf("%w: no release version in nodetool output %q", database.ErrAdmin, out)
	}

	// snapshot builds carry a suffix like 4.0.1-SNAPSHOT
	raw, _, _ = strings.Cut(raw, "-")

	return version.Parse(raw)
}

// OperationMode returns the current mode of the node
func (n *Nodetool) OperationMode(ctx context.Context) (database.OperationMode, error) {
	out, err := n.run(ctx, "netstats")
	if err != nil {
		return "", err
	}

	mode, ok := field(out, "Mode")
	if !ok {
		return "", fmt.Errorf("%w: no operation mode in nodetool output %q", database.ErrAdmin, out)
	}

	return database.OperationMode(strings.ToUpper(mode)), nil
}

// Decommission removes the node from the ring
func (n *Nodetool) Decommission(ctx context.Context) error {
	out, err := n.run(ctx, "decommission")
	if err != nil {
		return err
	}

	n.log.Debug("decommissioned node", "output", out)

	return nil
}

// TakeSnapshot takes a snapshot of the given keyspaces
func (n *Nodetool) TakeSnapshot(ctx context.Context, name string, keyspaces []string) error {
	args := append([]string{"snapshot", "-t", name}, keyspaces...)

	out, err := n.run(ctx, args...)
	if err != nil {
		return err
	}

	n.log.Debug("took snapshot", "name", name, "output", out)

	return nil
}

// ClearSnapshot removes the snapshot of the given name
func (n *Nodetool) ClearSnapshot(ctx context.Context, name string, keyspaces []string) error {
	args := append([]string{"clearsnapshot", "-t", name}, keyspaces...)

	_, err := n.run(ctx, args...)
	return err
}

// Cleanup removes data the node no longer owns
func (n *Nodetool) Cleanup(ctx context.Context, keyspace string, tables []string, jobs int) error {
	args := []string{"cleanup"}
	if jobs > 0 {
		args = append(args, "-j", strconv.Itoa(jobs))
	}
	if keyspace != "" {
		args = append(args, keyspace)
		args = append(args, tables...)
	}

	out, err := n.run(ctx, args...)
	if err != nil {
		return err
	}

	n.log.Debug("cleaned up node", "keyspace", keyspace, "output", out)

	return nil
}

// Refresh loads newly placed sstables of a table
func (n *Nodetool) Refresh(ctx context.Context, keyspace, table string) error {
	_, err := n.run(ctx, "refresh", keyspace, table)
	return err
}
