package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/encryption"
	"github.com/metal-stack/node-agent/cmd/internal/manifest"
	"github.com/metal-stack/node-agent/cmd/internal/metrics"
	"github.com/metal-stack/node-agent/cmd/internal/operations"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/version"
	"github.com/spf13/afero"
)

// table directories of 2.1 and later carry the table id after the name
var tableIDSuffix = regexp.MustCompile(`-[0-9a-f]{32}$`)

// Config carries what the restore kind needs from the node
type Config struct {
	Log      *slog.Logger
	FS       afero.Fs
	DataDir  string
	Database database.Database
	Storage  storage.Factory
	Metrics  *metrics.Metrics
	// Encrypter decrypts artifacts of encrypted backups
	Encrypter *encryption.Encrypter
}

// Kind returns the restore operation kind
func Kind(c Config) operations.Kind {
	return operations.Kind{
		Transfer: true,
		New: func(raw json.RawMessage) (operations.Runner, error) {
			req, err := operations.Decode[v1.RestoreRequest](raw)
			if err != nil {
				return nil, err
			}
			if _, _, err := storage.ParseDestination(req.SourceURI); err != nil {
				return nil, err
			}
			return &restore{config: c, req: req}, nil
		},
	}
}

type restore struct {
	config Config
	req    *v1.RestoreRequest
}

type table struct {
	keyspace string
	name     string
}

// TableName returns the table name of a table directory
func TableName(tableDir string) string {
	return tableIDSuffix.ReplaceAllString(tableDir, "")
}

func (r *restore) Request() any {
	return r.req
}

func (r *restore) Run(ctx context.Context) error {
	log := r.config.Log.With("snapshot", r.req.SnapshotName, "source-cluster", r.req.SourceClusterID, "source-node", r.req.SourceNodeID)

	release, err := r.config.Database.ReleaseVersion(ctx)
	if err != nil {
		return err
	}

	bucket, err := version.BucketOf(release)
	if err != nil {
		return err
	}

	provider, bucketName, err := storage.ParseDestination(r.req.SourceURI)
	if err != nil {
		return err
	}

	si, err := r.config.Storage(ctx, provider, storage.Coordinates{
		ClusterID: r.req.SourceClusterID,
		NodeID:    r.req.SourceNodeID,
		Bucket:    bucketName,
	})
	if err != nil {
		return fmt.Errorf("unable to create storage interactor: %w", err)
	}
	defer func() {
		_ = si.Close()
	}()

	m, err := manifest.Download(ctx, si, r.req.SnapshotName)
	if err != nil {
		return err
	}

	if m.Bucket != string(bucket) {
		return fmt.Errorf("%w: backup of release %s (%s) cannot be restored on release %s (%s)", version.ErrUnsupportedVersion, m.ReleaseVersion, m.Bucket, release, bucket)
	}

	policy, err := version.PolicyFor(bucket)
	if err != nil {
		return err
	}

	if m.Encrypted && r.config.Encrypter == nil {
		return errors.New("backup is encrypted but no encryption key is configured")
	}

	objects := r.filter(m.Objects)

	log.Info("restoring backup", "objects", len(objects), "backup-type", m.BackupType, "release", release.String())

	var tables []table
	for _, o := range objects {
		if err := r.download(ctx, si, m, o); err != nil {
			return err
		}

		t := table{keyspace: o.Keyspace, name: TableName(o.TableDir)}
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}

	// digests may be listed after their data component
	for _, o := range objects {
		if !o.DigestVerified {
			continue
		}
		if err := r.verify(policy, o); err != nil {
			return err
		}
	}

	for _, t := range tables {
		if err := r.config.Database.Refresh(ctx, t.keyspace, t.name); err != nil {
			return err
		}
		log.Info("refreshed table", "keyspace", t.keyspace, "table", t.name)
	}

	log.Info("restored backup", "tables", len(tables))

	return nil
}

func (r *restore) filter(objects []manifest.Object) []manifest.Object {
	if len(r.req.Keyspaces) == 0 {
		return objects
	}

	var result []manifest.Object
	for _, o := range objects {
		if slices.Contains(r.req.Keyspaces, o.Keyspace) {
			result = append(result, o)
		}
	}
	return result
}

func (r *restore) target(o manifest.Object) (string, error) {
	for _, s := range []string{o.Keyspace, o.TableDir, o.File} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
			return "", fmt.Errorf("%w: manifest entry %q has an invalid path segment", storage.ErrInvalidKey, o.Key)
		}
	}
	return filepath.Join(r.config.DataDir, o.Keyspace, o.TableDir, o.File), nil
}

func (r *restore) download(ctx context.Context, si storage.Interactor, m *manifest.Manifest, o manifest.Object) error {
	path, err := r.target(o)
	if err != nil {
		return err
	}

	ref, err := si.ObjectKeyToRemoteReference(o.Key)
	if err != nil {
		return err
	}

	if err := r.config.FS.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("unable to create table directory: %w", err)
	}

	f, err := r.config.FS.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create sstable component: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var w io.Writer = f
	var pw *io.PipeWriter
	done := make(chan error, 1)

	if m.Encrypted && encryption.IsEncrypted(string(o.Key)) {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		w = pw
		go func() {
			_, err := r.config.Encrypter.Decrypt(pr, f)
			_ = pr.CloseWithError(err)
			done <- err
		}()
	} else {
		done <- nil
	}

	n, err := si.Download(ctx, ref, w)
	if pw != nil {
		_ = pw.CloseWithError(err)
	}
	if derr := <-done; derr != nil && err == nil {
		err = fmt.Errorf("unable to decrypt %s: %w", o.Key, derr)
	}
	if err != nil {
		return err
	}

	if r.config.Metrics != nil {
		r.config.Metrics.CountTransfer(v1.KindRestore, "download", n)
	}

	return nil
}

func (r *restore) verify(policy version.Policy, o manifest.Object) error {
	path, err := r.target(o)
	if err != nil {
		return err
	}

	digestPath := filepath.Join(filepath.Dir(path), policy.DigestFileName(o.File))
	digest, err := afero.ReadFile(r.config.FS, digestPath)
	if err != nil {
		return fmt.Errorf("%w: digest of %s was not restored: %w", operations.ErrIntegrity, o.File, err)
	}

	f, err := r.config.FS.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	if err := policy.VerifyDigest(f, string(digest)); err != nil {
		return fmt.Errorf("restored sstable %s: %w", path, err)
	}

	return nil
}
