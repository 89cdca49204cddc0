//go:build !gcs

package blob

import (
	"context"
	"fmt"
)

func newGCSFromConfig(context.Context, string, string) (Store, error) {
	return nil, fmt.Errorf("blob: gcs backend is not enabled in this build (use -tags gcs)")
}
