package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database"
	"github.com/metal-stack/node-agent/cmd/internal/encryption"
	"github.com/metal-stack/node-agent/cmd/internal/manifest"
	"github.com/metal-stack/node-agent/cmd/internal/metrics"
	"github.com/metal-stack/node-agent/cmd/internal/operations"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/utils"
	"github.com/metal-stack/node-agent/cmd/internal/version"
	"github.com/spf13/afero"
)

const (
	snapshotsDir = "snapshots"
	backupsDir   = "backups"

	dataSuffix        = "Data.db"
	compressionSuffix = "CompressionInfo.db"
)

// Config carries what the backup kind needs from the node
type Config struct {
	Log       *slog.Logger
	FS        afero.Fs
	DataDir   string
	ClusterID string
	NodeID    string
	Database  database.Database
	Storage   storage.Factory
	Metrics   *metrics.Metrics
	// Encrypter encrypts uploaded artifacts when set
	Encrypter *encryption.Encrypter
}

// Kind returns the backup operation kind
func Kind(c Config) operations.Kind {
	return operations.Kind{
		Transfer: true,
		New: func(raw json.RawMessage) (operations.Runner, error) {
			req, err := operations.Decode[v1.BackupRequest](raw)
			if err != nil {
				return nil, err
			}
			if _, _, err := storage.ParseDestination(req.DestinationURI); err != nil {
				return nil, err
			}
			return &backup{config: c, req: req}, nil
		},
	}
}

type backup struct {
	config Config
	req    *v1.BackupRequest
}

// artifact is one sstable component found on disk
type artifact struct {
	keyspace string
	tableDir string
	dir      string
	file     string
}

func (a artifact) path() string {
	return filepath.Join(a.dir, a.file)
}

func (b *backup) Request() any {
	return b.req
}

func (b *backup) Run(ctx context.Context) error {
	log := b.config.Log.With("snapshot", b.req.SnapshotName, "type", b.req.BackupType)

	size, err := b.run(ctx, log)
	if b.config.Metrics != nil {
		b.config.Metrics.CountBackup(size, err)
	}

	return err
}

func (b *backup) run(ctx context.Context, log *slog.Logger) (int64, error) {
	release, err := b.config.Database.ReleaseVersion(ctx)
	if err != nil {
		return 0, err
	}

	bucket, err := version.BucketOf(release)
	if err != nil {
		return 0, err
	}

	policy, err := version.PolicyFor(bucket)
	if err != nil {
		return 0, err
	}

	provider, bucketName, err := storage.ParseDestination(b.req.DestinationURI)
	if err != nil {
		return 0, err
	}

	si, err := b.config.Storage(ctx, provider, storage.Coordinates{
		ClusterID: b.config.ClusterID,
		NodeID:    b.config.NodeID,
		Bucket:    bucketName,
	})
	if err != nil {
		return 0, fmt.Errorf("unable to create storage interactor: %w", err)
	}
	defer func() {
		_ = si.Close()
	}()

	if err := si.EnsureBucket(ctx); err != nil {
		return 0, err
	}

	if b.req.BackupType == v1.BackupTypeFull {
		if err := b.config.Database.TakeSnapshot(ctx, b.req.SnapshotName, b.req.Keyspaces); err != nil {
			return 0, err
		}
		log.Info("took snapshot")

		defer func() {
			if err := b.config.Database.ClearSnapshot(context.WithoutCancel(ctx), b.req.SnapshotName, b.req.Keyspaces); err != nil {
				log.Error("unable to clear snapshot", "error", err)
			}
		}()
	}

	artifacts, err := b.collect()
	if err != nil {
		return 0, err
	}

	log.Info("collected sstable components", "amount", len(artifacts), "release", release.String(), "bucket", bucket)

	verified, err := b.verify(policy, artifacts)
	if err != nil {
		return 0, err
	}

	m := &manifest.Manifest{
		SnapshotName:   b.req.SnapshotName,
		BackupType:     string(b.req.BackupType),
		ClusterID:      b.config.ClusterID,
		NodeID:         b.config.NodeID,
		ReleaseVersion: release.String(),
		Bucket:         string(bucket),
		SSTableVersion: policy.SSTableVersion("{keyspace}", "{table}"),
		Encrypted:      b.config.Encrypter != nil,
		CreatedAt:      time.Now(),
	}

	var total int64
	for _, a := range artifacts {
		obj, err := b.upload(ctx, si, a)
		if err != nil {
			return total, err
		}
		obj.DigestVerified = verified[a.path()]

		total += obj.Size
		m.Objects = append(m.Objects, *obj)
	}

	if err := manifest.Upload(ctx, si, m); err != nil {
		return total, err
	}

	log.Info("uploaded backup", "objects", len(m.Objects), "bytes", total)

	if b.req.BackupType == v1.BackupTypeIncremental {
		b.removeUploaded(log, artifacts)
	}

	return total, nil
}

// collect finds the components of the backup in the data directory
func (b *backup) collect() ([]artifact, error) {
	keyspaces := b.req.Keyspaces
	if len(keyspaces) == 0 {
		var err error
		keyspaces, err = utils.ListDirs(b.config.FS, b.config.DataDir)
		if err != nil {
			return nil, fmt.Errorf("unable to list keyspaces: %w", err)
		}
	}

	var result []artifact
	for _, ks := range keyspaces {
		tableDirs, err := utils.ListDirs(b.config.FS, filepath.Join(b.config.DataDir, ks))
		if err != nil {
			return nil, fmt.Errorf("unable to list tables of keyspace %s: %w", ks, err)
		}

		for _, tableDir := range tableDirs {
			dir := filepath.Join(b.config.DataDir, ks, tableDir, backupsDir)
			if b.req.BackupType == v1.BackupTypeFull {
				dir = filepath.Join(b.config.DataDir, ks, tableDir, snapshotsDir, b.req.SnapshotName)
			}

			files, err := utils.ListFiles(b.config.FS, dir)
			if err != nil {
				return nil, fmt.Errorf("unable to list sstables in %s: %w", dir, err)
			}

			for _, f := range files {
				result = append(result, artifact{keyspace: ks, tableDir: tableDir, dir: dir, file: f})
			}
		}
	}

	return result, nil
}

// verify checks the Data.db components against their digest if the version policy writes one.
// It returns the set of verified Data.db paths.
func (b *backup) verify(policy version.Policy, artifacts []artifact) (map[string]bool, error) {
	present := map[string]bool{}
	for _, a := range artifacts {
		present[a.path()] = true
	}

	verified := map[string]bool{}
	for _, a := range artifacts {
		if !strings.HasSuffix(a.file, dataSuffix) {
			continue
		}

		compressed := present[filepath.Join(a.dir, strings.TrimSuffix(a.file, dataSuffix)+compressionSuffix)]
		if !policy.CreateDigest(compressed) {
			continue
		}

		digestPath := filepath.Join(a.dir, policy.DigestFileName(a.file))
		if !present[digestPath] {
			continue
		}

		content, err := afero.ReadFile(b.config.FS, digestPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read digest %s: %w", digestPath, err)
		}

		if err := b.verifyFile(policy, a.path(), string(content)); err != nil {
			return nil, err
		}

		verified[a.path()] = true
	}

	return verified, nil
}

func (b *backup) verifyFile(policy version.Policy, path, digest string) error {
	f, err := b.config.FS.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	if err := policy.VerifyDigest(f, digest); err != nil {
		return fmt.Errorf("sstable %s: %w", path, err)
	}

	return nil
}

func (b *backup) objectKey(a artifact) (storage.ObjectKey, error) {
	name := a.file
	if b.config.Encrypter != nil {
		name += b.config.Encrypter.Extension()
	}

	if b.req.BackupType == v1.BackupTypeFull {
		return storage.NewObjectKey(a.keyspace, a.tableDir, snapshotsDir, b.req.SnapshotName, name)
	}
	return storage.NewObjectKey(a.keyspace, a.tableDir, backupsDir, name)
}

func (b *backup) upload(ctx context.Context, si storage.Interactor, a artifact) (*manifest.Object, error) {
	key, err := b.objectKey(a)
	if err != nil {
		return nil, err
	}

	ref, err := si.ObjectKeyToRemoteReference(key)
	if err != nil {
		return nil, err
	}

	f, err := b.config.FS.Open(a.path())
	if err != nil {
		return nil, fmt.Errorf("unable to open sstable component: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var r io.Reader = f
	if b.config.Encrypter != nil {
		er := b.config.Encrypter.EncryptingReader(f)
		defer func() {
			_ = er.Close()
		}()
		r = er
	}

	n, err := si.Upload(ctx, ref, r)
	if err != nil {
		return nil, err
	}

	if b.config.Metrics != nil {
		b.config.Metrics.CountTransfer(v1.KindBackup, "upload", n)
	}

	return &manifest.Object{
		Key:      key,
		Keyspace: a.keyspace,
		TableDir: a.tableDir,
		File:     a.file,
		Size:     n,
	}, nil
}

// removeUploaded removes incremental components once they are stored remotely
func (b *backup) removeUploaded(log *slog.Logger, artifacts []artifact) {
	var errs []error
	for _, a := range artifacts {
		if err := b.config.FS.Remove(a.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Error("unable to remove uploaded incremental backups", "error", errors.Join(errs...))
	}
}
