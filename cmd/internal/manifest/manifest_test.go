package manifest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/storage/local"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	si, err := local.New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n", Bucket: "b"}, &local.ConfigLocal{FS: fs})
	require.NoError(t, err)

	m := &Manifest{
		SnapshotName:   "s1",
		BackupType:     "full",
		ClusterID:      "c",
		NodeID:         "n",
		ReleaseVersion: "3.11.4",
		Bucket:         "3.x",
		SSTableVersion: "mb",
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Objects: []Object{
			{Key: "ks/tbl-1/snapshots/s1/mb-1-big-Data.db", Keyspace: "ks", TableDir: "tbl-1", File: "mb-1-big-Data.db", Size: 3, DigestVerified: true},
		},
	}

	require.NoError(t, Upload(ctx, si, m))

	exists, err := afero.Exists(fs, "/node-agent/local-provider/b/c/n/manifests/s1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := Download(ctx, si, "s1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = Download(ctx, si, "missing")
	require.Error(t, err)
}

func TestKey(t *testing.T) {
	k, err := Key("s1")
	require.NoError(t, err)
	assert.Equal(t, storage.ObjectKey("manifests/s1.json"), k)
}
