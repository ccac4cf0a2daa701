package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/pkg/constants"
)

// Manifest records what a backup uploaded, restores are driven by it.
type Manifest struct {
	SnapshotName   string    `json:"snapshotName"`
	BackupType     string    `json:"backupType"`
	ClusterID      string    `json:"clusterId"`
	NodeID         string    `json:"nodeId"`
	ReleaseVersion string    `json:"releaseVersion"`
	Bucket         string    `json:"bucket"`
	SSTableVersion string    `json:"sstableVersion"`
	Encrypted      bool      `json:"encrypted"`
	CreatedAt      time.Time `json:"createdAt"`
	Objects        []Object  `json:"objects"`
}

// Object is one uploaded artifact.
type Object struct {
	Key            storage.ObjectKey `json:"key"`
	Keyspace       string            `json:"keyspace"`
	TableDir       string            `json:"tableDir"`
	File           string            `json:"file"`
	Size           int64             `json:"size"`
	DigestVerified bool              `json:"digestVerified,omitempty"`
}

// Key returns the object key of the manifest of the given snapshot
func Key(snapshotName string) (storage.ObjectKey, error) {
	return storage.NewObjectKey(constants.ManifestPrefix, snapshotName+".json")
}

// Upload stores the manifest next to the artifacts it describes
func Upload(ctx context.Context, si storage.Interactor, m *Manifest) error {
	key, err := Key(m.SnapshotName)
	if err != nil {
		return err
	}

	ref, err := si.ObjectKeyToRemoteReference(key)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to encode manifest: %w", err)
	}

	if _, err := si.Upload(ctx, ref, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("unable to upload manifest: %w", err)
	}

	return nil
}

// Download reads the manifest of the given snapshot
func Download(ctx context.Context, si storage.Interactor, snapshotName string) (*Manifest, error) {
	key, err := Key(snapshotName)
	if err != nil {
		return nil, err
	}

	ref, err := si.ObjectKeyToRemoteReference(key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := si.Download(ctx, ref, &buf); err != nil {
		return nil, fmt.Errorf("unable to download manifest %s: %w", ref.CanonicalPath(), err)
	}

	var m Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("unable to decode manifest %s: %w", ref.CanonicalPath(), err)
	}

	return &m, nil
}
