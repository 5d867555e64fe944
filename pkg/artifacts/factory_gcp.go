//go:build gcp

package artifacts

import (
	"context"

	"github.com/Mindburn-Labs/agora/pkg/config"
)

func newGCSBlobStore(ctx context.Context, cfg config.BlobConfig) (BlobStore, error) {
	return NewGCSBlobStore(ctx, GCSBlobConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
