package artifacts

import (
	"context"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/agora/pkg/config"
)

// Blob backend types.
const (
	BlobNone = "none"
	BlobFS   = "fs"
	BlobS3   = "s3"
	BlobGCS  = "gcs"
)

// NewBlobStore builds the configured blob backend. It returns a nil store
// for BlobNone, which keeps all content inline.
func NewBlobStore(ctx context.Context, cfg config.BlobConfig) (BlobStore, error) {
	switch cfg.Type {
	case "", BlobNone:
		return nil, nil
	case BlobFS:
		if cfg.Path == "" {
			return nil, fmt.Errorf("blobs.path is required for fs storage")
		}
		return NewFileBlobStore(cfg.Path)
	case BlobS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("blobs.bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3BlobStore(ctx, S3BlobConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BlobGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("blobs.bucket is required for gcs storage")
		}
		return newGCSBlobStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", cfg.Type)
	}
}
