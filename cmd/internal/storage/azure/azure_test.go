package azure

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well known azurite development account key
const devAccountKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func newTestInteractor(t *testing.T) *InteractorAzure {
	p, err := New(slog.Default(), storage.Coordinates{ClusterID: "cluster-a", NodeID: "node-1", Bucket: "backups"}, &ConfigAzure{
		Account:    "devstoreaccount1",
		Endpoint:   "http://127.0.0.1:10000/devstoreaccount1/",
		AccountKey: devAccountKey,
	})
	require.NoError(t, err)
	return p
}

func TestObjectKeyToRemoteReference(t *testing.T) {
	p := newTestInteractor(t)

	ref, err := p.ObjectKeyToRemoteReference("ks/tbl-1/snapshots/s1/mb-1-big-Data.db")
	require.NoError(t, err)

	ar, ok := ref.(*Reference)
	require.True(t, ok)
	require.NotNil(t, ar.Blob)
	assert.Equal(t, "backups", ar.Container)
	assert.Equal(t, "cluster-a/node-1/ks/tbl-1/snapshots/s1/mb-1-big-Data.db", ar.CanonicalPath())
	assert.Contains(t, ar.Blob.URL(), "/backups/cluster-a/node-1/ks/tbl-1/snapshots/s1/mb-1-big-Data.db")
}

func TestValidateBlobName(t *testing.T) {
	tests := []struct {
		name    string
		blob    string
		wantErr bool
	}{
		{name: "plain", blob: "c/n/ks/tbl/backups/mb-1-big-Data.db"},
		{name: "max length", blob: strings.Repeat("a", 1024)},
		{name: "too long", blob: strings.Repeat("a", 1025), wantErr: true},
		{name: "too many segments", blob: strings.Repeat("a/", 254) + "a", wantErr: true},
		{name: "max segments", blob: strings.Repeat("a/", 253) + "a"},
		{name: "trailing dot", blob: "c/n/file.", wantErr: true},
		{name: "backslash", blob: `c/n/a\b`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBlobName(tt.blob)
			if tt.wantErr {
				require.ErrorIs(t, err, storage.ErrInvalidKey)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	coords := storage.Coordinates{ClusterID: "c", NodeID: "n", Bucket: "b"}

	_, err := New(slog.Default(), coords, nil)
	require.Error(t, err)

	_, err = New(slog.Default(), coords, &ConfigAzure{})
	require.Error(t, err)

	_, err = New(slog.Default(), coords, &ConfigAzure{Endpoint: "http://localhost", AccountKey: devAccountKey})
	require.Error(t, err)

	_, err = New(slog.Default(), storage.Coordinates{ClusterID: "c", NodeID: "n"}, &ConfigAzure{Account: "a", AccountKey: devAccountKey})
	require.Error(t, err)
}

func TestResolvedPathsAgreeAcrossBackends(t *testing.T) {
	p := newTestInteractor(t)
	assert.Equal(t, "cluster-a/node-1/manifests/s1.json", p.ResolveRemotePath("manifests/s1.json"))
}
