package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	nodestorage "github.com/metal-stack/node-agent/cmd/internal/storage"
)

const (
	providerName = nodestorage.ProviderGCP

	maxKeyLength = 1024
)

// InteractorGCP implements the storage interactor for GCP
type InteractorGCP struct {
	nodestorage.Base

	log    *slog.Logger
	c      *storage.Client
	config *ConfigGCP
}

// ConfigGCP provides configuration for the InteractorGCP
type ConfigGCP struct {
	BucketLocation string
	ProjectID      string
	ClientOpts     []option.ClientOption
}

func (c *ConfigGCP) validate() error {
	if c.ProjectID == "" {
		return errors.New("gcp project id must not be empty")
	}
	for _, opt := range c.ClientOpts {
		if opt == nil {
			return errors.New("option can not be nil")
		}
	}

	return nil
}

// Reference carries the object handle of a resolved key.
type Reference struct {
	nodestorage.Reference
	Handle *storage.ObjectHandle
}

var (
	_ nodestorage.Interactor            = (*InteractorGCP)(nil)
	_ nodestorage.RemoteObjectReference = (*Reference)(nil)
)

// New returns a GCP storage interactor
func New(ctx context.Context, log *slog.Logger, coords nodestorage.Coordinates, config *ConfigGCP) (*InteractorGCP, error) {
	if config == nil {
		return nil, errors.New("gcp storage provider requires a provider config")
	}

	err := config.validate()
	if err != nil {
		return nil, err
	}

	if coords.Bucket == "" {
		return nil, errors.New("gcp bucket name must not be empty")
	}

	base, err := nodestorage.NewBase(coords)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, config.ClientOpts...)
	if err != nil {
		return nil, err
	}

	return &InteractorGCP{
		Base:   base,
		c:      client,
		config: config,
		log:    log,
	}, nil
}

func (b *InteractorGCP) Provider() string {
	return providerName
}

// validateObjectName applies the object naming rules of cloud storage
func validateObjectName(name string) error {
	switch {
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %q is not valid utf-8", nodestorage.ErrInvalidKey, name)
	case len(name) > maxKeyLength:
		return fmt.Errorf("%w: object name exceeds %d bytes", nodestorage.ErrInvalidKey, maxKeyLength)
	case strings.ContainsAny(name, "\r\n"):
		return fmt.Errorf("%w: %q contains line breaks", nodestorage.ErrInvalidKey, name)
	case strings.HasPrefix(name, ".well-known/acme-challenge/"):
		return fmt.Errorf("%w: %q uses a reserved prefix", nodestorage.ErrInvalidKey, name)
	}
	return nil
}

// ObjectKeyToRemoteReference resolves the key to an object handle
func (b *InteractorGCP) ObjectKeyToRemoteReference(key nodestorage.ObjectKey) (nodestorage.RemoteObjectReference, error) {
	ref, err := b.Resolve(key)
	if err != nil {
		return nil, err
	}

	if err := validateObjectName(ref.Canonical); err != nil {
		return nil, err
	}

	return &Reference{
		Reference: ref,
		Handle:    b.c.Bucket(b.Coordinates().Bucket).Object(ref.Canonical),
	}, nil
}

func (b *InteractorGCP) reference(ref nodestorage.RemoteObjectReference) (*Reference, error) {
	r, ok := ref.(*Reference)
	if !ok {
		return nil, nodestorage.WrongReference(providerName, ref)
	}
	return r, nil
}

// EnsureBucket ensures the bucket at the backend
func (b *InteractorGCP) EnsureBucket(ctx context.Context) error {
	bucket := b.c.Bucket(b.Coordinates().Bucket)

	b.log.Info("ensuring bucket", "bucket", b.Coordinates().Bucket)

	attrs := &storage.BucketAttrs{
		Location: b.config.BucketLocation,
	}

	if err := bucket.Create(ctx, b.config.ProjectID, attrs); err != nil {
		var googleErr *googleapi.Error
		if errors.As(err, &googleErr) && googleErr.Code == http.StatusConflict {
			return nil
		}
		return &nodestorage.BackendError{Provider: providerName, Op: "ensure bucket", Err: err}
	}

	return nil
}

// Upload streams r to the referenced object
func (b *InteractorGCP) Upload(ctx context.Context, ref nodestorage.RemoteObjectReference, r io.Reader) (int64, error) {
	gr, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("uploading object", "dest", gr.Canonical)

	w := gr.Handle.NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return n, &nodestorage.BackendError{Provider: providerName, Op: "upload", Key: gr.Canonical, Err: err}
	}

	// the object is only committed on close
	if err := w.Close(); err != nil {
		return n, &nodestorage.BackendError{Provider: providerName, Op: "upload", Key: gr.Canonical, Err: err}
	}

	return n, nil
}

// Download streams the referenced object to w
func (b *InteractorGCP) Download(ctx context.Context, ref nodestorage.RemoteObjectReference, w io.Writer) (int64, error) {
	gr, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("downloading object", "src", gr.Canonical)

	r, err := gr.Handle.NewReader(ctx)
	if err != nil {
		return 0, &nodestorage.BackendError{Provider: providerName, Op: "download", Key: gr.Canonical, Err: err}
	}
	defer func() {
		_ = r.Close()
	}()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, &nodestorage.BackendError{Provider: providerName, Op: "download", Key: gr.Canonical, Err: fmt.Errorf("error writing object from gcp: %w", err)}
	}

	return n, nil
}

// Exists reports whether the referenced object is present
func (b *InteractorGCP) Exists(ctx context.Context, ref nodestorage.RemoteObjectReference) (bool, error) {
	gr, err := b.reference(ref)
	if err != nil {
		return false, err
	}

	_, err = gr.Handle.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &nodestorage.BackendError{Provider: providerName, Op: "stat", Key: gr.Canonical, Err: err}
	}

	return true, nil
}

func (b *InteractorGCP) Close() error {
	return b.c.Close()
}
