package analytics

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore writes an export object to a bucket.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// Archiver writes filtered exports to an object store.
type Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

// NewArchiver builds an Archiver over a backend.
func NewArchiver(store ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{store: store, bucket: bucket, prefix: prefix, now: time.Now}
}

// Archive writes the body under a timestamped key and returns the key.
func (a *Archiver) Archive(ctx context.Context, format string, body []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%sexport-%s.%s", a.prefix, a.now().UTC().Format("20060102T150405Z"), format)
	if err := a.store.Put(ctx, a.bucket, key, body, contentType); err != nil {
		return "", fmt.Errorf("analytics: archive %s: %w", key, err)
	}
	return key, nil
}

// S3Store writes to an S3 bucket.
type S3Store struct {
	client *s3.Client
}

// NewS3Store builds an S3-backed object store using the default AWS
// credential chain.
func NewS3Store(ctx context.Context, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("analytics: aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg)}, nil
}

// Put uploads the object.
func (s *S3Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

// GCSStore writes to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore builds a GCS-backed object store using application default
// credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics: gcs client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// Put uploads the object.
func (g *GCSStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
