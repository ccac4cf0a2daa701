package v1

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindBackup       = "backup"
	KindRestore      = "restore"
	KindDecommission = "decommission"
	KindCleanup      = "cleanup"
)

// Request is implemented by every operation request.
type Request interface {
	// Kind returns the operation kind the request is submitted as
	Kind() string
	// Validate checks the request before it is accepted
	Validate() error
}

type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
)

// BackupRequest uploads the sstables of the node to a storage backend.
type BackupRequest struct {
	BackupType     BackupType `json:"backupType"`
	DestinationURI string     `json:"destinationUri"`
	SnapshotName   string     `json:"snapshotName"`
	Keyspaces      []string   `json:"keyspaces,omitempty"`
}

func (r *BackupRequest) Kind() string {
	return KindBackup
}

func (r *BackupRequest) Validate() error {
	switch r.BackupType {
	case BackupTypeFull, BackupTypeIncremental:
	default:
		return fmt.Errorf("unsupported backup type %q", r.BackupType)
	}
	if r.DestinationURI == "" {
		return errors.New("destination uri must not be empty")
	}
	if err := validateName("snapshot name", r.SnapshotName); err != nil {
		return err
	}
	return validateNames("keyspace", r.Keyspaces)
}

// RestoreRequest downloads a backup of the given source node into the data directory of this node.
type RestoreRequest struct {
	SnapshotName    string   `json:"snapshotName"`
	SourceClusterID string   `json:"sourceClusterId"`
	SourceNodeID    string   `json:"sourceNodeId"`
	SourceURI       string   `json:"sourceUri"`
	Keyspaces       []string `json:"keyspaces,omitempty"`
}

func (r *RestoreRequest) Kind() string {
	return KindRestore
}

func (r *RestoreRequest) Validate() error {
	if err := validateName("snapshot name", r.SnapshotName); err != nil {
		return err
	}
	if err := validateName("source cluster id", r.SourceClusterID); err != nil {
		return err
	}
	if err := validateName("source node id", r.SourceNodeID); err != nil {
		return err
	}
	if r.SourceURI == "" {
		return errors.New("source uri must not be empty")
	}
	return validateNames("keyspace", r.Keyspaces)
}

// DecommissionRequest removes the node from the cluster.
type DecommissionRequest struct{}

func (r *DecommissionRequest) Kind() string {
	return KindDecommission
}

func (r *DecommissionRequest) Validate() error {
	return nil
}

// CleanupRequest removes data the node no longer owns.
type CleanupRequest struct {
	Keyspace string   `json:"keyspace,omitempty"`
	Tables   []string `json:"tables,omitempty"`
	Jobs     int      `json:"jobs,omitempty"`
}

func (r *CleanupRequest) Kind() string {
	return KindCleanup
}

func (r *CleanupRequest) Validate() error {
	if r.Jobs < 0 {
		return errors.New("jobs must not be negative")
	}
	if len(r.Tables) > 0 && r.Keyspace == "" {
		return errors.New("tables can only be given together with a keyspace")
	}
	if r.Keyspace != "" {
		if err := validateName("keyspace", r.Keyspace); err != nil {
			return err
		}
	}
	return validateNames("table", r.Tables)
}

func validateName(what, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", what)
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return fmt.Errorf("%s %q contains invalid characters", what, name)
	}
	return nil
}

func validateNames(what string, names []string) error {
	for _, n := range names {
		if err := validateName(what, n); err != nil {
			return err
		}
	}
	return nil
}
