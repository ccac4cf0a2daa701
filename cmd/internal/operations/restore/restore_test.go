package restore

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/metal-stack/node-agent/cmd/internal/database/fake"
	"github.com/metal-stack/node-agent/cmd/internal/encryption"
	"github.com/metal-stack/node-agent/cmd/internal/operations/backup"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/storage/local"
	"github.com/metal-stack/node-agent/cmd/internal/version"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sourceDataDir = "/source/data"
	targetDataDir = "/target/data"
	objectsDir    = "/objects"
	tableDir      = "tbl-5a1c395e85aa11e9b5b1d3f3e5c2b4a1"
)

var data = []byte("sstable content")

func factory(t *testing.T, fs afero.Fs) storage.Factory {
	return func(_ context.Context, provider string, coords storage.Coordinates) (storage.Interactor, error) {
		require.Equal(t, "local", provider)
		return local.New(slog.Default(), coords, &local.ConfigLocal{FS: fs, BasePath: objectsDir})
	}
}

// seed takes a full backup "s1" of node-1 in cluster-a
func seed(t *testing.T, fs afero.Fs, release string, enc *encryption.Encrypter) {
	db := fake.New(release)
	db.OnSnapshot = func(name string, _ []string) error {
		for _, ks := range []string{"ks", "other"} {
			dir := filepath.Join(sourceDataDir, ks, tableDir, "snapshots", name)
			require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "mb-1-big-Data.db"), data, 0600))
			require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "mb-1-big-Digest.crc32"), []byte(strconv.FormatUint(uint64(crc32.ChecksumIEEE(data)), 10)), 0600))
		}
		return nil
	}

	runner, err := backup.Kind(backup.Config{
		Log:       slog.Default(),
		FS:        fs,
		DataDir:   sourceDataDir,
		ClusterID: "cluster-a",
		NodeID:    "node-1",
		Database:  db,
		Storage:   factory(t, fs),
		Encrypter: enc,
	}).New(json.RawMessage(`{"backupType":"full","destinationUri":"local://backups","snapshotName":"s1"}`))
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background()))
}

func run(t *testing.T, fs afero.Fs, db *fake.Database, enc *encryption.Encrypter, req string) error {
	runner, err := Kind(Config{
		Log:       slog.Default(),
		FS:        fs,
		DataDir:   targetDataDir,
		Database:  db,
		Storage:   factory(t, fs),
		Encrypter: enc,
	}).New(json.RawMessage(req))
	require.NoError(t, err)
	return runner.Run(context.Background())
}

const restoreRequest = `{"snapshotName":"s1","sourceClusterId":"cluster-a","sourceNodeId":"node-1","sourceUri":"local://backups"}`

func newEncrypter(t *testing.T) *encryption.Encrypter {
	enc, err := encryption.New(slog.Default(), &encryption.EncrypterConfig{Key: "01234567891234560123456789123456"})
	require.NoError(t, err)
	return enc
}

func TestRestore(t *testing.T) {
	tests := []struct {
		name      string
		encrypter *encryption.Encrypter
	}{
		{name: "plain"},
		{name: "encrypted", encrypter: newEncrypter(t)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			seed(t, fs, "3.11.4", tt.encrypter)

			db := fake.New("3.11.10")
			err := run(t, fs, db, tt.encrypter, restoreRequest)
			require.NoError(t, err)

			for _, ks := range []string{"ks", "other"} {
				got, err := afero.ReadFile(fs, filepath.Join(targetDataDir, ks, tableDir, "mb-1-big-Data.db"))
				require.NoError(t, err)
				assert.Equal(t, data, got)
			}

			assert.Equal(t, []string{"version", "refresh ks tbl", "refresh other tbl"}, db.Recorded())
		})
	}
}

func TestRestore_KeyspaceFilter(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, "3.11.4", nil)

	db := fake.New("3.11.4")
	err := run(t, fs, db, nil, `{"snapshotName":"s1","sourceClusterId":"cluster-a","sourceNodeId":"node-1","sourceUri":"local://backups","keyspaces":["other"]}`)
	require.NoError(t, err)

	exists, err := afero.DirExists(fs, filepath.Join(targetDataDir, "ks"))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, []string{"version", "refresh other tbl"}, db.Recorded())
}

func TestRestore_IncompatibleRelease(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, "3.0.0", nil)

	db := fake.New("2.2.19")
	err := run(t, fs, db, nil, restoreRequest)
	require.ErrorIs(t, err, version.ErrUnsupportedVersion)
	assert.Equal(t, []string{"version"}, db.Recorded())
}

func TestRestore_MissingManifest(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := run(t, fs, fake.New("3.11.4"), nil, restoreRequest)
	var backendErr *storage.BackendError
	require.ErrorAs(t, err, &backendErr)
}

func TestRestore_EncryptedWithoutKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, "3.11.4", newEncrypter(t))

	err := run(t, fs, fake.New("3.11.4"), nil, restoreRequest)
	require.ErrorContains(t, err, "no encryption key")
}

func TestRestore_CorruptedObject(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, "3.11.4", nil)

	remote := filepath.Join(objectsDir, "backups", "cluster-a", "node-1", "ks", tableDir, "snapshots", "s1", "mb-1-big-Data.db")
	require.NoError(t, afero.WriteFile(fs, remote, []byte("bit rot"), 0600))

	db := fake.New("3.11.4")
	err := run(t, fs, db, nil, restoreRequest)
	require.ErrorIs(t, err, version.ErrDigestMismatch)
	assert.NotContains(t, db.Recorded(), "refresh ks tbl", "corrupted tables are not loaded")
}

func TestTableName(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{dir: "tbl-5a1c395e85aa11e9b5b1d3f3e5c2b4a1", want: "tbl"},
		{dir: "my-table-5a1c395e85aa11e9b5b1d3f3e5c2b4a1", want: "my-table"},
		{dir: "tbl", want: "tbl"},
		{dir: "tbl-1234", want: "tbl-1234"},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, TableName(tt.dir))
		})
	}
}

func TestKind_InvalidSource(t *testing.T) {
	k := Kind(Config{Log: slog.Default(), Database: fake.New("3.11.4")})
	assert.True(t, k.Transfer)

	for _, uri := range []string{"ftp://backups", "local:/backups", "gcp://backups/sub"} {
		t.Run(uri, func(t *testing.T) {
			_, err := k.New(json.RawMessage(`{"snapshotName":"s1","sourceClusterId":"cluster-a","sourceNodeId":"node-1","sourceUri":"` + uri + `"}`))
			require.ErrorIs(t, err, storage.ErrInvalidDestination)
		})
	}
}
