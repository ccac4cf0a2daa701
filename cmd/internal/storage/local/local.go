package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/pkg/constants"
	"github.com/spf13/afero"
)

const (
	providerName = storage.ProviderLocal

	maxSegmentLength = 255
)

// InteractorLocal implements the storage interactor on a filesystem (useful for development environments and shared volumes)
type InteractorLocal struct {
	storage.Base

	fs     afero.Fs
	log    *slog.Logger
	config *ConfigLocal
}

// ConfigLocal provides configuration for the InteractorLocal
type ConfigLocal struct {
	BasePath string
	FS       afero.Fs
}

func (c *ConfigLocal) validate() error {
	if !filepath.IsAbs(c.BasePath) {
		return fmt.Errorf("local base path %q must be absolute", c.BasePath)
	}
	return nil
}

// Reference addresses a file below the local base path.
type Reference struct {
	storage.Reference
	Path string
}

var (
	_ storage.Interactor            = (*InteractorLocal)(nil)
	_ storage.RemoteObjectReference = (*Reference)(nil)
)

// New returns a local storage interactor
func New(log *slog.Logger, coords storage.Coordinates, config *ConfigLocal) (*InteractorLocal, error) {
	if config == nil {
		return nil, errors.New("local storage provider requires a provider config")
	}

	if config.BasePath == "" {
		config.BasePath = constants.LocalProviderDir
	}
	if config.FS == nil {
		config.FS = afero.NewOsFs()
	}

	err := config.validate()
	if err != nil {
		return nil, err
	}

	base, err := storage.NewBase(coords)
	if err != nil {
		return nil, err
	}

	return &InteractorLocal{
		Base:   base,
		config: config,
		log:    log,
		fs:     config.FS,
	}, nil
}

func (b *InteractorLocal) Provider() string {
	return providerName
}

func (b *InteractorLocal) bucketPath() string {
	bucket := b.Coordinates().Bucket
	if bucket == "" {
		return b.config.BasePath
	}
	return filepath.Join(b.config.BasePath, bucket)
}

// ObjectKeyToRemoteReference resolves the key to a file path below the bucket directory
func (b *InteractorLocal) ObjectKeyToRemoteReference(key storage.ObjectKey) (storage.RemoteObjectReference, error) {
	ref, err := b.Resolve(key)
	if err != nil {
		return nil, err
	}

	for _, s := range key.Segments() {
		if len(s) > maxSegmentLength {
			return nil, fmt.Errorf("%w: segment %q exceeds %d bytes", storage.ErrInvalidKey, s, maxSegmentLength)
		}
	}

	return &Reference{
		Reference: ref,
		Path:      filepath.Join(b.bucketPath(), filepath.FromSlash(ref.Canonical)),
	}, nil
}

func (b *InteractorLocal) reference(ref storage.RemoteObjectReference) (*Reference, error) {
	r, ok := ref.(*Reference)
	if !ok {
		return nil, storage.WrongReference(providerName, ref)
	}
	return r, nil
}

// EnsureBucket ensures the bucket directory
func (b *InteractorLocal) EnsureBucket(_ context.Context) error {
	b.log.Info("ensuring bucket directory", "path", b.bucketPath())

	if err := b.fs.MkdirAll(b.bucketPath(), 0777); err != nil {
		return &storage.BackendError{Provider: providerName, Op: "ensure bucket", Err: fmt.Errorf("could not create local bucket directory: %w", err)}
	}

	return nil
}

// Upload copies r into the referenced file
func (b *InteractorLocal) Upload(_ context.Context, ref storage.RemoteObjectReference, r io.Reader) (int64, error) {
	lr, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("uploading object", "dest", lr.Path)

	if err := b.fs.MkdirAll(filepath.Dir(lr.Path), 0777); err != nil {
		return 0, &storage.BackendError{Provider: providerName, Op: "upload", Key: lr.Canonical, Err: err}
	}

	out, err := b.fs.Create(lr.Path)
	if err != nil {
		return 0, &storage.BackendError{Provider: providerName, Op: "upload", Key: lr.Canonical, Err: err}
	}

	n, err := io.Copy(out, r)
	if err != nil {
		_ = out.Close()
		return n, &storage.BackendError{Provider: providerName, Op: "upload", Key: lr.Canonical, Err: err}
	}

	if err := out.Close(); err != nil {
		return n, &storage.BackendError{Provider: providerName, Op: "upload", Key: lr.Canonical, Err: err}
	}

	return n, nil
}

// Download copies the referenced file into w
func (b *InteractorLocal) Download(_ context.Context, ref storage.RemoteObjectReference, w io.Writer) (int64, error) {
	lr, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("downloading object", "src", lr.Path)

	in, err := b.fs.Open(lr.Path)
	if err != nil {
		return 0, &storage.BackendError{Provider: providerName, Op: "download", Key: lr.Canonical, Err: err}
	}
	defer func() {
		_ = in.Close()
	}()

	n, err := io.Copy(w, in)
	if err != nil {
		return n, &storage.BackendError{Provider: providerName, Op: "download", Key: lr.Canonical, Err: err}
	}

	return n, nil
}

// Exists reports whether the referenced file is present
func (b *InteractorLocal) Exists(_ context.Context, ref storage.RemoteObjectReference) (bool, error) {
	lr, err := b.reference(ref)
	if err != nil {
		return false, err
	}

	_, err = b.fs.Stat(lr.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &storage.BackendError{Provider: providerName, Op: "stat", Key: lr.Canonical, Err: err}
	}

	return true, nil
}

func (b *InteractorLocal) Close() error {
	return nil
}
