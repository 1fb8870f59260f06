//go:build gcp

package authority

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/decigov/disr/core/pkg/canonicalize"
)

// GCSUploader uploads ledger exports to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSUploaderConfig holds configuration for GCSUploader.
type GCSUploaderConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSUploader creates a GCS-backed export uploader using ADC credentials.
func NewGCSUploader(ctx context.Context, cfg GCSUploaderConfig) (*GCSUploader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSUploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Upload writes the export under prefix+key and returns "sha256:<hash>".
func (u *GCSUploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	fullKey := u.prefix + key
	w := u.client.Bucket(u.bucket).Object(fullKey).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"content-sha256": hash}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("upload export to gs://%s/%s: %w", u.bucket, fullKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize export gs://%s/%s: %w", u.bucket, fullKey, err)
	}
	return "sha256:" + hash, nil
}

// Close releases the underlying client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
