// Package s3 is the object-store client behind the Archive Mirror. It
// speaks to any S3-compatible vendor; the provider presets in
// providers.go carry the per-vendor addressing quirks so the rest of
// the server only ever configures (provider, endpoint, region, bucket).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/kenneth/audio-drm-gateway/internal/config"
)

// Client is the slice of the object-store surface the Archive Mirror
// consumes. Everything takes ciphertext; plaintext never reaches this
// package.
type Client interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
}

type client struct {
	api *s3.Client
}

// NewClient builds a Client for the archive bucket described by cfg.
// The endpoint and region are resolved through the provider presets,
// so a bare `provider: minio` config gets path-style addressing and
// the vendor's default endpoint without spelling either out.
func NewClient(cfg *config.BackendConfig) (Client, error) {
	endpoint, region, err := Resolve(cfg.Endpoint, cfg.Provider, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("s3: resolving archive target: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: loading sdk config: %w", err)
	}

	pathStyle := UsePathStyle(cfg.Provider)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Provider != "aws" && endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return &client{api: api}, nil
}

// EnsureBucket creates the archive bucket if it doesn't already
// exist; a bucket the caller already owns is not an error, so startup
// can call this unconditionally.
func (c *client) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("s3: ensuring bucket %s: %w", bucket, err)
	}
	return nil
}

// PutObject streams body to the bucket. size must be the exact byte
// length of body: the SDK needs it up front to sign the request
// without buffering the whole artifact, which matters when the
// artifact is a 2GiB master envelope.
func (c *client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3: putting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: getting %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (c *client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3: deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ObjectExists reports whether key is present, for reconcile passes
// that want to skip already-mirrored artifacts.
func (c *client) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// The SDK surfaces a missing key as a NotFound API error;
		// anything else is a real transport failure.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("s3: heading %s/%s: %w", bucket, key, err)
	}
	return true, nil
}
