package v1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{
			name: "full backup",
			req:  &BackupRequest{BackupType: BackupTypeFull, DestinationURI: "s3://backups", SnapshotName: "s1"},
		},
		{
			name:    "backup with unknown type",
			req:     &BackupRequest{BackupType: "differential", DestinationURI: "s3://backups", SnapshotName: "s1"},
			wantErr: true,
		},
		{
			name:    "backup without destination",
			req:     &BackupRequest{BackupType: BackupTypeIncremental, SnapshotName: "s1"},
			wantErr: true,
		},
		{
			name:    "backup with slash in snapshot name",
			req:     &BackupRequest{BackupType: BackupTypeFull, DestinationURI: "s3://backups", SnapshotName: "a/b"},
			wantErr: true,
		},
		{
			name: "restore",
			req:  &RestoreRequest{SnapshotName: "s1", SourceClusterID: "c", SourceNodeID: "n", SourceURI: "gcp://b", Keyspaces: []string{"ks"}},
		},
		{
			name:    "restore without source node",
			req:     &RestoreRequest{SnapshotName: "s1", SourceClusterID: "c", SourceURI: "gcp://b"},
			wantErr: true,
		},
		{
			name: "decommission",
			req:  &DecommissionRequest{},
		},
		{
			name: "cleanup everything",
			req:  &CleanupRequest{},
		},
		{
			name:    "cleanup tables without keyspace",
			req:     &CleanupRequest{Tables: []string{"t"}},
			wantErr: true,
		},
		{
			name:    "cleanup with negative jobs",
			req:     &CleanupRequest{Jobs: -1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestOperationState(t *testing.T) {
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())

	assert.Less(t, StatePending.Rank(), StateRunning.Rank())
	assert.Less(t, StateRunning.Rank(), StateCompleted.Rank())
	assert.Equal(t, StateCompleted.Rank(), StateFailed.Rank())
}
