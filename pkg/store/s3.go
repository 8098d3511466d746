package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures the s3 backend.
type S3Options struct {
	// Bucket is the bucket holding state documents. Required.
	Bucket string

	// Region is the AWS region, default us-east-1.
	Region string

	// KeyPrefix namespaces objects within the bucket, default "segpull/".
	KeyPrefix string

	// Profile selects a shared-credentials profile. Optional.
	Profile string

	// AccessKeyID and SecretAccessKey supply static credentials. Optional;
	// the default credential chain applies when empty.
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string

	// UsePathStyle forces path-style addressing, needed by most
	// S3-compatible stores.
	UsePathStyle bool
}

// S3KV stores documents as objects in an S3 bucket.
type S3KV struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3KV builds an S3 client from the options and the default AWS
// configuration chain.
func NewS3KV(ctx context.Context, opts S3Options) (*S3KV, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "segpull/"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &S3KV{client: client, bucket: opts.Bucket, prefix: prefix}, nil
}

// NewS3Repo is a convenience constructor for an s3-backed Repository.
func NewS3Repo(ctx context.Context, opts S3Options) (*Repo, error) {
	kv, err := NewS3KV(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewRepo(kv), nil
}

func (s *S3KV) buildKey(key string) string {
	return s.prefix + key
}

// Put uploads value as an object.
func (s *S3KV) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.buildKey(key)),
		Body:        strings.NewReader(string(value)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to store %s in s3: %w", key, err)
	}
	return nil
}

// Get downloads the object at key.
func (s *S3KV) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if stderrors.As(err, &noSuchKey) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read %s from s3: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object body for %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object at key.
func (s *S3KV) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.buildKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from s3: %w", key, err)
	}
	return nil
}

// List pages through objects under the prefix.
func (s *S3KV) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.buildKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return keys, nil
}

// Close is a no-op; the S3 client has no persistent connection to release.
func (s *S3KV) Close() error {
	return nil
}
