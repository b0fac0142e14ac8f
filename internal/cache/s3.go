package cache

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

// objectGetter is the part of *s3.Client the fetcher uses.
type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads s3://bucket/key URIs.
type S3Fetcher struct {
	client objectGetter
}

// NewS3Fetcher builds an S3 client from static credentials. A custom
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Fetcher(ctx context.Context, cfg config.S3Config) (*S3Fetcher, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""))
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return &S3Fetcher{client: client}, nil
}

// Open implements Fetcher.
func (f *S3Fetcher) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("%w: s3 uri needs bucket and key: %s", ErrInvalidURI, u.Redacted())
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrDownload, u.Redacted(), err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
