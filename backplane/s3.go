package backplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jonwraymond/swrr/cache"
)

// S3MetadataKey is the object user-metadata key holding cache.Metadata.
const S3MetadataKey = "swrr-metadata"

// ErrNoBucket is returned when an S3 backplane is built without a bucket.
var ErrNoBucket = errors.New("backplane: s3 bucket is required")

// S3API is the subset of *s3.Client the S3 backplane uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3 backplane.
type S3Config struct {
	Bucket string
	// Prefix is joined in front of every key, e.g. "swrr/".
	Prefix string
}

// S3 is an object-store backplane. The object body is the value; metadata
// travels in user metadata and the horizon in Expires.
type S3 struct {
	client S3API
	config S3Config
	opts   options
}

// NewS3 creates an S3 backplane over client.
func NewS3(client S3API, config S3Config, opts ...Option) (*S3, error) {
	if client == nil {
		return nil, errors.New("backplane: nil s3 client")
	}
	if config.Bucket == "" {
		return nil, ErrNoBucket
	}
	return &S3{client: client, config: config, opts: newOptions(opts)}, nil
}

// ObjectKey maps a cache key to its object key.
func (b *S3) ObjectKey(key string) string {
	if b.config.Prefix == "" {
		return key
	}
	return path.Join(b.config.Prefix, key)
}

// Read fetches the object for key. Missing objects and objects past their
// Expires horizon read as empty.
func (b *S3) Read(ctx context.Context, key string, _ cache.Type, _ time.Duration) (cache.Result, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.ObjectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return cache.Result{}, nil
		}
		return cache.Result{}, fmt.Errorf("backplane: get s3 object %q: %w", key, err)
	}
	defer out.Body.Close()

	//nolint:staticcheck // Expires is the horizon we write in Put.
	if out.Expires != nil && !b.opts.now().Before(*out.Expires) {
		return cache.Result{}, nil
	}

	var md *cache.Metadata
	if raw, ok := out.Metadata[S3MetadataKey]; ok && raw != "" {
		md = &cache.Metadata{}
		if err := json.Unmarshal([]byte(raw), md); err != nil {
			return cache.Result{}, fmt.Errorf("backplane: decode metadata for %q: %w", key, err)
		}
	}

	value, err := io.ReadAll(out.Body)
	if err != nil {
		return cache.Result{}, fmt.Errorf("backplane: read s3 object %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}

	return cache.Result{Value: value, Metadata: md}, nil
}

// Put writes value with metadata and an Expires horizon of now+maxTTL.
func (b *S3) Put(ctx context.Context, key string, value []byte, md cache.Metadata, maxTTL time.Duration) (bool, error) {
	if maxTTL <= 0 {
		return false, nil
	}

	rawMD, err := json.Marshal(md)
	if err != nil {
		return false, fmt.Errorf("backplane: encode metadata for %q: %w", key, err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(b.ObjectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("application/octet-stream"),
		CacheControl:  aws.String(CacheControl(maxTTL)),
		Expires:       aws.Time(b.opts.now().Add(maxTTL)),
		Metadata:      map[string]string{S3MetadataKey: string(rawMD)},
	})
	if err != nil {
		return false, fmt.Errorf("backplane: put s3 object %q: %w", key, err)
	}
	return true, nil
}

// Defer hands task to the configured Deferrer.
func (b *S3) Defer(task func(ctx context.Context)) {
	b.opts.deferrer.Defer(task)
}

var (
	_ cache.Backplane = (*S3)(nil)
	_ S3API           = (*s3.Client)(nil)
)
