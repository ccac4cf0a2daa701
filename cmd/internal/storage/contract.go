package storage

import (
	"context"
	"io"
)

// Coordinates identify the namespace of one node inside a storage backend.
type Coordinates struct {
	ClusterID string
	NodeID    string
	Bucket    string
}

// RemoteObjectReference points to one backup artifact at a concrete backend.
// Besides the accessors every variant carries a provider specific handle that only its interactor uses.
type RemoteObjectReference interface {
	// ObjectKey returns the key the reference was resolved from
	ObjectKey() ObjectKey
	// CanonicalPath returns the key resolved against cluster and node
	CanonicalPath() string
}

// Interactor moves artifacts between the node and a storage backend.
type Interactor interface {
	// Provider returns the backend name, e.g. "s3"
	Provider() string
	// Coordinates returns the namespace this interactor addresses
	Coordinates() Coordinates
	// ResolveRemotePath returns clusterId/nodeId/key
	ResolveRemotePath(key ObjectKey) string
	// ObjectKeyToRemoteReference resolves a key into a reference for this backend, ErrInvalidKey if the backend cannot address it
	ObjectKeyToRemoteReference(key ObjectKey) (RemoteObjectReference, error)
	// EnsureBucket makes sure the bucket exists
	EnsureBucket(ctx context.Context) error
	// Upload streams r to the referenced object and returns the number of bytes written
	Upload(ctx context.Context, ref RemoteObjectReference, r io.Reader) (int64, error)
	// Download streams the referenced object to w and returns the number of bytes read
	Download(ctx context.Context, ref RemoteObjectReference, w io.Writer) (int64, error)
	// Exists reports whether the referenced object is present
	Exists(ctx context.Context, ref RemoteObjectReference) (bool, error)
	// Close releases backend clients
	Close() error
}

// Factory builds the interactor of the given provider for the given coordinates.
type Factory func(ctx context.Context, provider string, coords Coordinates) (Interactor, error)
