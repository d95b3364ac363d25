package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobConfig configures the S3-compatible blob store connection.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Blob stores image bytes under opaque keys in a single bucket.
// Put returns locations of the form blob://<bucket>/<key>.
type Blob struct {
	client *minio.Client
	bucket string
}

// NewBlob connects to the blob store and ensures the bucket exists.
func NewBlob(ctx context.Context, cfg BlobConfig) (*Blob, error) {
	var client, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to blob store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.Bucket, err)
		}
	}
	return &Blob{client: client, bucket: cfg.Bucket}, nil
}

// Put writes |data| under |key| and returns its blob:// location.
func (b *Blob) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var _, err = b.client.PutObject(ctx, b.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("blob put %q: %w", key, err)
	}
	return BlobURL(b.bucket, key), nil
}

// Get reads the full object stored under |key|.
func (b *Blob) Get(ctx context.Context, key string) ([]byte, error) {
	var obj, err = b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob get %q: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("blob read %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under |key|.
func (b *Blob) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob delete %q: %w", key, err)
	}
	return nil
}

// Presign returns a presigned GET URL for |key| valid for |ttl|.
func (b *Blob) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var u, err = b.client.PresignedGetObject(ctx, b.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", key, err)
	}
	return u.String(), nil
}

// BlobURL builds the blob:// location of |key| within |bucket|.
func BlobURL(bucket, key string) string {
	return fmt.Sprintf("blob://%s/%s", bucket, key)
}

// ParseBlobURL splits a blob:// location into its bucket and key.
func ParseBlobURL(url string) (bucket, key string, err error) {
	var rest, ok = strings.CutPrefix(url, "blob://")
	if !ok {
		return "", "", fmt.Errorf("%q is not a blob:// URL", url)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q is not a blob:// URL", url)
	}
	return bucket, key, nil
}
