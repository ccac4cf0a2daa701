package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/utils"
)

const (
	providerName = storage.ProviderS3

	maxKeyLength = 1024
)

// InteractorS3 implements the storage interactor for S3 compatible object stores
type InteractorS3 struct {
	storage.Base

	log    *slog.Logger
	c      *s3.Client
	config *ConfigS3
}

// ConfigS3 provides configuration for the InteractorS3
type ConfigS3 struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

func (c *ConfigS3) validate() error {
	if c.Endpoint == "" {
		return errors.New("s3 endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("s3 accesskey must not be empty")
	}
	if c.SecretKey == "" {
		return errors.New("s3 secretkey must not be empty")
	}

	return nil
}

// Reference addresses one object in the bucket.
type Reference struct {
	storage.Reference
	Bucket string
	Object string
}

var (
	_ storage.Interactor            = (*InteractorS3)(nil)
	_ storage.RemoteObjectReference = (*Reference)(nil)
)

// New returns a S3 storage interactor
func New(ctx context.Context, log *slog.Logger, coords storage.Coordinates, cfg *ConfigS3) (*InteractorS3, error) {
	if cfg == nil {
		return nil, errors.New("s3 storage provider requires a provider config")
	}

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	if coords.Bucket == "" {
		return nil, errors.New("s3 bucket name must not be empty")
	}

	base, err := storage.NewBase(coords)
	if err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "dummy"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &InteractorS3{
		Base:   base,
		c:      client,
		config: cfg,
		log:    log,
	}, nil
}

func (b *InteractorS3) Provider() string {
	return providerName
}

// ObjectKeyToRemoteReference resolves the key to bucket and object key
func (b *InteractorS3) ObjectKeyToRemoteReference(key storage.ObjectKey) (storage.RemoteObjectReference, error) {
	ref, err := b.Resolve(key)
	if err != nil {
		return nil, err
	}

	if !utf8.ValidString(ref.Canonical) {
		return nil, fmt.Errorf("%w: %q is not valid utf-8", storage.ErrInvalidKey, key)
	}
	if len(ref.Canonical) > maxKeyLength {
		return nil, fmt.Errorf("%w: object key exceeds %d bytes", storage.ErrInvalidKey, maxKeyLength)
	}

	return &Reference{
		Reference: ref,
		Bucket:    b.Coordinates().Bucket,
		Object:    ref.Canonical,
	}, nil
}

func (b *InteractorS3) reference(ref storage.RemoteObjectReference) (*Reference, error) {
	r, ok := ref.(*Reference)
	if !ok {
		return nil, storage.WrongReference(providerName, ref)
	}
	return r, nil
}

// EnsureBucket ensures the bucket at the object store
func (b *InteractorS3) EnsureBucket(ctx context.Context) error {
	bucket := aws.String(b.Coordinates().Bucket)

	b.log.Info("ensuring bucket", "bucket", *bucket)

	_, err := b.c.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: bucket,
	})
	if err != nil {
		var (
			alreadyExists *types.BucketAlreadyExists
			alreadyOwned  *types.BucketAlreadyOwnedByYou
		)
		switch {
		case errors.As(err, &alreadyExists), errors.As(err, &alreadyOwned):
		default:
			return &storage.BackendError{Provider: providerName, Op: "ensure bucket", Err: err}
		}
	}

	return nil
}

// Upload streams r to the referenced object
func (b *InteractorS3) Upload(ctx context.Context, ref storage.RemoteObjectReference, r io.Reader) (int64, error) {
	sr, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("uploading object", "bucket", sr.Bucket, "dest", sr.Object)

	counter := storage.NewCountingReader(r)

	uploader := manager.NewUploader(b.c)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(sr.Bucket),
		Key:    aws.String(sr.Object),
		Body:   counter,
	})
	if err != nil {
		return counter.Count(), &storage.BackendError{Provider: providerName, Op: "upload", Key: sr.Object, Err: err}
	}

	return counter.Count(), nil
}

// Download streams the referenced object to w
func (b *InteractorS3) Download(ctx context.Context, ref storage.RemoteObjectReference, w io.Writer) (int64, error) {
	sr, err := b.reference(ref)
	if err != nil {
		return 0, err
	}

	b.log.Debug("downloading object", "bucket", sr.Bucket, "src", sr.Object)

	// sequential writes require a single download part at a time
	downloader := manager.NewDownloader(b.c, func(d *manager.Downloader) {
		d.Concurrency = 1
	})

	n, err := downloader.Download(ctx, utils.NewSequentialWriterAt(w), &s3.GetObjectInput{
		Bucket: aws.String(sr.Bucket),
		Key:    aws.String(sr.Object),
	})
	if err != nil {
		return n, &storage.BackendError{Provider: providerName, Op: "download", Key: sr.Object, Err: err}
	}

	return n, nil
}

// Exists reports whether the referenced object is present
func (b *InteractorS3) Exists(ctx context.Context, ref storage.RemoteObjectReference) (bool, error) {
	sr, err := b.reference(ref)
	if err != nil {
		return false, err
	}

	_, err = b.c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sr.Bucket),
		Key:    aws.String(sr.Object),
	})
	if err != nil {
		var (
			notFound *types.NotFound
			noSuch   *types.NoSuchKey
		)
		if errors.As(err, &notFound) || errors.As(err, &noSuch) {
			return false, nil
		}
		return false, &storage.BackendError{Provider: providerName, Op: "stat", Key: sr.Object, Err: err}
	}

	return true, nil
}

func (b *InteractorS3) Close() error {
	return nil
}
