package storage

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
)

const (
	ProviderS3    = "s3"
	ProviderGCP   = "gcp"
	ProviderAzure = "azure"
	ProviderLocal = "local"
)

// Providers is the closed set of storage backends a destination can name
var Providers = []string{ProviderS3, ProviderGCP, ProviderAzure, ProviderLocal}

var (
	// ErrInvalidKey is returned when an object key cannot be addressed
	ErrInvalidKey = errors.New("invalid object key")
	// ErrInvalidDestination is returned for destinations that do not name a supported provider and a bucket
	ErrInvalidDestination = errors.New("invalid destination")
)

// ObjectKey is a relative, slash separated path of a backup artifact within a node's artifact tree.
type ObjectKey string

// NewObjectKey joins the given segments and validates the result.
func NewObjectKey(segments ...string) (ObjectKey, error) {
	k := ObjectKey(strings.Join(segments, "/"))
	if err := ValidateKey(k); err != nil {
		return "", err
	}
	return k, nil
}

// Segments returns the path segments of the key in order.
func (k ObjectKey) Segments() []string {
	return strings.Split(string(k), "/")
}

func (k ObjectKey) String() string {
	return string(k)
}

// ValidateKey enforces the rules shared by all backends.
func ValidateKey(k ObjectKey) error {
	if k == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(string(k), "/") {
		return fmt.Errorf("%w: %q must be relative", ErrInvalidKey, k)
	}
	if strings.ContainsRune(string(k), 0) {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, k)
	}
	for _, s := range k.Segments() {
		switch s {
		case "":
			return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidKey, k)
		case ".", "..":
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidKey, k)
		}
	}
	return nil
}

// Base carries what every backend shares. Backends embed it.
type Base struct {
	coords Coordinates
}

// NewBase validates the coordinates.
func NewBase(coords Coordinates) (Base, error) {
	if coords.ClusterID == "" {
		return Base{}, errors.New("cluster id must not be empty")
	}
	if coords.NodeID == "" {
		return Base{}, errors.New("node id must not be empty")
	}
	for _, v := range []string{coords.ClusterID, coords.NodeID} {
		if strings.Contains(v, "/") {
			return Base{}, fmt.Errorf("coordinate %q must not contain a slash", v)
		}
	}
	return Base{coords: coords}, nil
}

func (b Base) Coordinates() Coordinates {
	return b.coords
}

// ResolveRemotePath returns clusterId/nodeId/key.
func (b Base) ResolveRemotePath(key ObjectKey) string {
	return b.coords.ClusterID + "/" + b.coords.NodeID + "/" + string(key)
}

// Reference is the part of a RemoteObjectReference all variants share.
type Reference struct {
	Key       ObjectKey
	Canonical string
}

func (r Reference) ObjectKey() ObjectKey {
	return r.Key
}

func (r Reference) CanonicalPath() string {
	return r.Canonical
}

// Resolve validates the key with the shared rules and builds the shared part of a reference.
func (b Base) Resolve(key ObjectKey) (Reference, error) {
	if err := ValidateKey(key); err != nil {
		return Reference{}, err
	}
	return Reference{Key: key, Canonical: b.ResolveRemotePath(key)}, nil
}

// ParseDestination splits a destination like "s3://my-bucket" into provider and bucket.
// The provider must be one of Providers.
func ParseDestination(uri string) (provider string, bucket string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("%w: unable to parse %q: %w", ErrInvalidDestination, uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q must be in the form provider://bucket", ErrInvalidDestination, uri)
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return "", "", fmt.Errorf("%w: %q must not carry a path", ErrInvalidDestination, uri)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", fmt.Errorf("%w: %q must only name provider and bucket", ErrInvalidDestination, uri)
	}
	if !slices.Contains(Providers, u.Scheme) {
		return "", "", fmt.Errorf("%w: unsupported storage provider %q, must be one of %s", ErrInvalidDestination, u.Scheme, strings.Join(Providers, ", "))
	}
	return u.Scheme, u.Host, nil
}

// BackendError wraps a failure reported by a storage backend.
type BackendError struct {
	Provider string
	Op       string
	Key      string
	Err      error
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// WrongReference is returned by backends handed a reference of another variant.
func WrongReference(provider string, ref RemoteObjectReference) error {
	return &BackendError{Provider: provider, Op: "resolve", Key: ref.CanonicalPath(), Err: fmt.Errorf("reference of type %T does not belong to this backend", ref)}
}

// CountingReader counts the bytes read through it.
type CountingReader struct {
	r io.Reader
	n int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Count returns the number of bytes read so far.
func (c *CountingReader) Count() int64 {
	return c.n
}
