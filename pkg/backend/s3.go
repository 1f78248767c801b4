package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ltessier/mediastore/internal/logger"
)

// S3Backend stores blobs in an S3 (or S3-compatible) bucket. Blob paths map
// directly to object keys under an optional prefix. There are no real
// directories: prune requests are no-ops and Walk synthesizes directory
// groupings from key prefixes.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures an S3Backend.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Region         string `mapstructure:"region" yaml:"region"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	KeyPrefix      string `mapstructure:"key_prefix" yaml:"key_prefix"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// NewS3Client creates an S3 client from configuration parameters.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return client, nil
}

// NewS3Backend creates an S3Backend and verifies bucket access. The bucket
// must already exist.
func NewS3Backend(ctx context.Context, client *s3.Client, bucket, keyPrefix string) (*S3Backend, error) {
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	b := &S3Backend{client: client, bucket: bucket, prefix: keyPrefix}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %q not accessible: %w", bucket, err)
	}
	return b, nil
}

func (b *S3Backend) key(p string) string {
	return b.prefix + p
}

func (b *S3Backend) wrapErr(p string, err error) error {
	if err == nil {
		return nil
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return &Error{Code: ErrNotFound, Path: p, Err: err}
	}
	return &Error{Code: ErrUnknown, Path: p, Err: err}
}

// Get implements Backend.
func (b *S3Backend) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		return nil, b.wrapErr(p, err)
	}
	return out.Body, nil
}

// Put implements Backend. Staged writes target a shadow key with the staged
// suffix; MakePermanent performs a server-side copy to the final key.
func (b *S3Backend) Put(ctx context.Context, p string, src io.Reader, staged bool) error {
	key := b.key(p)
	if staged {
		key += StagedSuffix
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   src,
	})
	return b.wrapErr(p, err)
}

// MakePermanent implements Backend.
func (b *S3Backend) MakePermanent(ctx context.Context, p string) error {
	key := b.key(p)
	stagedKey := key + StagedSuffix

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + stagedKey),
		Key:        aws.String(key),
	})
	if err != nil {
		return b.wrapErr(p, err)
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(stagedKey),
	}); err != nil {
		// The committed object is in place; the leftover staged copy is
		// recoverable leakage.
		logger.Error("unable to remove staged object after commit", "path", stagedKey, "error", err)
	}
	return nil
}

// Unlink implements Backend. S3 has no directories, so prune is a no-op.
// DeleteObject succeeds on absent keys, so existence is checked first to
// preserve NotFound semantics.
func (b *S3Backend) Unlink(ctx context.Context, p string, prune bool) error {
	exists, err := b.FileExists(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		return &Error{Code: ErrNotFound, Path: p}
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	return b.wrapErr(p, err)
}

// FileExists implements Backend.
func (b *S3Backend) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err == nil {
		return true, nil
	}
	if IsNotFound(b.wrapErr(p, err)) {
		return false, nil
	}
	return false, b.wrapErr(p, err)
}

// Walk implements Backend by paging through ListObjectsV2 and grouping keys
// by their containing prefix.
func (b *S3Backend) Walk(ctx context.Context, fn WalkFunc) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})

	groups := make(map[string][]string)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return b.wrapErr("", err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			dir, name := path.Split(key)
			dir = strings.TrimSuffix(dir, "/")
			groups[dir] = append(groups[dir], name)
		}
	}

	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := fn(dir, groups[dir]); err != nil {
			return err
		}
	}
	return nil
}
