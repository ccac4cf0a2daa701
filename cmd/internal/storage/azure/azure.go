package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
)

const (
	providerName = storage.ProviderAzure

	maxBlobNameLength   = 1024
	maxBlobNameSegments = 254
)

// InteractorAzure implements the storage interactor for azure blob storage
type InteractorAzure struct {
	storage.Base

	log    *slog.Logger
	c      *azblob.Client
	config *ConfigAzure
}

// ConfigAzure provides configuration for the InteractorAzure.
//
// Credentials are picked in order: shared account key, service principal, default azure credential chain.
type ConfigAzure struct {
	Account      string
	Endpoint     string
	AccountKey   string
	TenantID     string
	ClientID     string
	ClientSecret string
}

func (c *ConfigAzure) validate() error {
	if c.Account == "" && c.Endpoint == "" {
		return errors.New("azure account or endpoint must not be empty")
	}
	if c.AccountKey != "" && c.Account == "" {
		return errors.New("azure account must be set when using an account key")
	}

	return nil
}

func (c *ConfigAzure) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
}

// Reference carries the block blob client of a resolved key.
type Reference struct {
	storage.Reference
	Container string
	Blob      *blockblob.Client
}

var (
	_ storage.Interactor            = (*InteractorAzure)(nil)
	_ storage.RemoteObjectReference = (*Reference)(nil)
)

// New returns an azure storage interactor
func New(log *slog.Logger, coords storage.Coordinates, config *ConfigAzure) (*InteractorAzure, error) {
	if config == nil {
		return nil, errors.New("azure storage provider requires a provider config")
	}

	err := config.validate()
	if err != nil {
		return nil, err
	}

	if coords.Bucket == "" {
		return nil, errors.New("azure container name must not be empty")
	}

	base, err := storage.NewBase(coords)
	if err != nil {
		return nil, err
	}

	client, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("unable to create azure blob client: %w", err)
	}

	return &InteractorAzure{
		Base:   base,
		c:      client,
		config: config,
		log:    log,
	}, nil
}

func newClient(c *ConfigAzure) (*azblob.Client, error) {
	endpoint := c.endpoint()

	if c.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(c.Account, c.AccountKey)
		if err != nil {
			return nil, err
		}
		return azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	}

	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, err
		}
		return azblob.NewClient(endpoint, cred, nil)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azblob.NewClient(endpoint, cred, nil)
}

func (b *InteractorAzure) Provider() string {
	return providerName
}

// validateBlobName applies the blob naming rules of azure storage
func validateBlobName(name string) error {
	switch {
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %q is not valid utf-8", storage.ErrInvalidKey, name)
	case utf8.RuneCountInString(name) > maxBlobNameLength:
		return fmt.Errorf("%w: blob name exceeds %d characters", storage.ErrInvalidKey, maxBlobNameLength)
	case strings.Count(name, "/")+1 > maxBlobNameSegments:
		return fmt.Errorf("%w: blob name exceeds %d path segments", storage.ErrInvalidKey, maxBlobNameSegments)
	case strings.Contains(name, `\`):
		return fmt.Errorf("%w: %q contains a backslash", storage.ErrInvalidKey, name)
	case strings.HasSuffix(name, "."):
		return fmt.Errorf("%w: %q must not end with a dot", storage.ErrInvalidKey, name)
	}
	return nil
}

// ObjectKeyToRemoteReference resolves the key to a block blob client
func (b *InteractorAzure) ObjectKeyToRemoteReference(key storage.ObjectKey) (storage.RemoteObjectReference, error) {
	ref, err := b.Resolve(key)
	if err != nil {
		return nil, err
	}

	if err := validateBlobName(ref.Canonical); err != nil {
		return nil, err
	}

	container := b.Coordinates().Bucket

	return &Reference{
		Reference: ref,
		Container: container,
		Blob:      b.c.ServiceClient().NewContainerClient(container).NewBlockBlobClient(ref.Canonical),
	}, nil
}

func (b *InteractorAzure) reference(ref storage.RemoteObjectReference) (*Reference, error) {
	r, ok := ref.(*Reference)
	if !ok {
		return nil, storage.WrongReference(providerName, ref)
	}
	return r, nil
}

// EnsureBucket ensures the container at the storage account
func (b *InteractorAzure) EnsureBucket(ctx context.Context) error {
	container := b.Coordinates().Bucket

	b.log.Info("ensuring container", "container", container)

	_, err := b.c.CreateContainer(ctx, container, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil
		}
		return &storage.BackendError{Provider: providerName, Op: "ensure bucket", Err: err}
	}

	return nil
}

// Upload streams r to the referenced blob
func (b *InteractorAzure) Upload(ctx context.Context, ref storage.RemoteObjectReference, r io.Reader) (int64, error) {
	ar, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("uploading object", "container", ar.Container, "dest", ar.Canonical)

	counter := storage.NewCountingReader(r)

	_, err = ar.Blob.UploadStream(ctx, counter, &blockblob.UploadStreamOptions{
		Metadata: map[string]*string{
			"cluster": to.Ptr(b.Coordinates().ClusterID),
			"node":    to.Ptr(b.Coordinates().NodeID),
		},
	})
	if err != nil {
		return counter.Count(), &storage.BackendError{Provider: providerName, Op: "upload", Key: ar.Canonical, Err: err}
	}

	return counter.Count(), nil
}

// Download streams the referenced blob to w
func (b *InteractorAzure) Download(ctx context.Context, ref storage.RemoteObjectReference, w io.Writer) (int64, error) {
	ar, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("downloading object", "container", ar.Container, "src", ar.Canonical)

	resp, err := ar.Blob.DownloadStream(ctx, nil)
	if err != nil {
		return 0, &storage.BackendError{Provider: providerName, Op: "download", Key: ar.Canonical, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &storage.BackendError{Provider: providerName, Op: "download", Key: ar.Canonical, Err: err}
	}

	return n, nil
}

// Exists reports whether the referenced blob is present
func (b *InteractorAzure) Exists(ctx context.Context, ref storage.RemoteObjectReference) (bool, error) {
	ar, err := b.reference(ref)
	if err != nil {
		return false, err
	}

	_, err = ar.Blob.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		// HEAD responses carry no error code in the body
		var re *azcore.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, &storage.BackendError{Provider: providerName, Op: "stat", Key: ar.Canonical, Err: err}
	}

	return true, nil
}

func (b *InteractorAzure) Close() error {
	return nil
}
