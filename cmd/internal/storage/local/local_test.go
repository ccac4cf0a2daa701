package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"strings"
	"testing"

	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/pkg/constants"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_InteractorLocal(t *testing.T) {
	var (
		ctx    = context.Background()
		log    = slog.Default()
		coords = storage.Coordinates{ClusterID: "cluster-a", NodeID: "node-1", Bucket: "backups"}
	)

	for _, amount := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("testing with %d objects", amount), func(t *testing.T) {
			fs := afero.NewMemMapFs()

			p, err := New(log, coords, &ConfigLocal{
				FS: fs,
			})
			require.NoError(t, err)
			require.NotNil(t, p)

			t.Run("ensure bucket", func(t *testing.T) {
				err := p.EnsureBucket(ctx)
				require.NoError(t, err)

				info, err := fs.Stat(constants.LocalProviderDir + "/backups")
				require.NoError(t, err)
				assert.True(t, info.IsDir())
			})

			if t.Failed() {
				return
			}

			t.Run("verify upload", func(t *testing.T) {
				for i := range amount {
					key, err := storage.NewObjectKey("ks", "tbl-1234", "snapshots", "snap1", fmt.Sprintf("mb-%d-big-Data.db", i))
					require.NoError(t, err)

					ref, err := p.ObjectKeyToRemoteReference(key)
					require.NoError(t, err)
					assert.Equal(t, "cluster-a/node-1/"+key.String(), ref.CanonicalPath())

					content := fmt.Sprintf("precious data %d", i)
					n, err := p.Upload(ctx, ref, strings.NewReader(content))
					require.NoError(t, err)
					assert.Equal(t, int64(len(content)), n)

					exists, err := p.Exists(ctx, ref)
					require.NoError(t, err)
					assert.True(t, exists)

					stored, err := afero.ReadFile(fs, constants.LocalProviderDir+"/backups/"+ref.CanonicalPath())
					require.NoError(t, err)
					require.Equal(t, content, string(stored))
				}
			})

			if t.Failed() || amount <= 0 {
				return
			}

			t.Run("verify download", func(t *testing.T) {
				key, err := storage.NewObjectKey("ks", "tbl-1234", "snapshots", "snap1", fmt.Sprintf("mb-%d-big-Data.db", amount-1))
				require.NoError(t, err)

				ref, err := p.ObjectKeyToRemoteReference(key)
				require.NoError(t, err)

				var buf bytes.Buffer
				_, err = p.Download(ctx, ref, &buf)
				require.NoError(t, err)
				require.Equal(t, fmt.Sprintf("precious data %d", amount-1), buf.String())
			})

			err = afero.Walk(fs, "/", func(path string, info iofs.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					return nil
				}
				if strings.HasPrefix(path, constants.LocalProviderDir) {
					return nil
				}

				return fmt.Errorf("provider messed around in the file system at: %s", path)
			})
			require.NoError(t, err)
		})
	}
}

func TestInteractorLocal_Exists(t *testing.T) {
	p, err := New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n"}, &ConfigLocal{FS: afero.NewMemMapFs(), BasePath: "/objects"})
	require.NoError(t, err)

	ref, err := p.ObjectKeyToRemoteReference("manifests/missing.json")
	require.NoError(t, err)
	assert.Equal(t, "/objects/c/n/manifests/missing.json", ref.(*Reference).Path)

	exists, err := p.Exists(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = p.Download(context.Background(), ref, &bytes.Buffer{})
	var backendErr *storage.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "local", backendErr.Provider)
}

func TestInteractorLocal_InvalidKey(t *testing.T) {
	p, err := New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n"}, &ConfigLocal{FS: afero.NewMemMapFs()})
	require.NoError(t, err)

	for _, key := range []storage.ObjectKey{"", "../escape", "a//b", storage.ObjectKey(strings.Repeat("x", 256))} {
		_, err := p.ObjectKeyToRemoteReference(key)
		require.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", key)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n"}, nil)
	require.Error(t, err)

	_, err = New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n"}, &ConfigLocal{BasePath: "relative"})
	require.Error(t, err)

	_, err = New(slog.Default(), storage.Coordinates{NodeID: "n"}, &ConfigLocal{})
	require.Error(t, err)
}

type closeFailingFile struct {
	afero.File
}

func (f *closeFailingFile) Close() error {
	_ = f.File.Close()
	return errors.New("disk full")
}

type closeFailingFs struct {
	afero.Fs
}

func (fs *closeFailingFs) Create(name string) (afero.File, error) {
	f, err := fs.Fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &closeFailingFile{File: f}, nil
}

func TestInteractorLocal_UploadCloseFailure(t *testing.T) {
	p, err := New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n", Bucket: "b"}, &ConfigLocal{FS: &closeFailingFs{Fs: afero.NewMemMapFs()}})
	require.NoError(t, err)

	ref, err := p.ObjectKeyToRemoteReference("ks/tbl/backups/mb-1-big-Data.db")
	require.NoError(t, err)

	_, err = p.Upload(context.Background(), ref, strings.NewReader("content"))
	var backendErr *storage.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "upload", backendErr.Op)
	assert.ErrorContains(t, err, "disk full")
}
