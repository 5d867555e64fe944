//go:build !gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/agora/pkg/config"
)

func newGCSBlobStore(context.Context, config.BlobConfig) (BlobStore, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
