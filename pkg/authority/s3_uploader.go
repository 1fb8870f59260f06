package authority

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/decigov/disr/core/pkg/canonicalize"
)

// Uploader ships a serialized ledger export to evidence storage.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// S3Uploader uploads ledger exports to an S3 bucket. The returned reference
// embeds the content hash so auditors can verify what they downloaded.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3UploaderConfig holds configuration for S3Uploader.
type S3UploaderConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Uploader creates an S3-backed export uploader.
func NewS3Uploader(ctx context.Context, cfg S3UploaderConfig) (*S3Uploader, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}
	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload writes the export under prefix+key and returns "sha256:<hash>".
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	fullKey := u.prefix + key
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"content-sha256": hash},
	})
	if err != nil {
		return "", fmt.Errorf("upload export to s3://%s/%s: %w", u.bucket, fullKey, err)
	}
	return "sha256:" + hash, nil
}
