// Package blob stores assembled images. GCS backs it in production and
// Memory backs it in tests and local development.
package blob

import (
	"context"
	"fmt"
	"time"
)

// Bucket is the blob surface the finalizer writes to. Put overwrites any
// existing object at path, which makes retried finalizations harmless.
type Bucket interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// ObjectPath is where a device image lands in the bucket:
// captures/{hardware id}/{YYYY}/{MM}/{DD}/{image name}.
func ObjectPath(hardwareID string, at time.Time, imageName string) string {
	at = at.UTC()
	return fmt.Sprintf("captures/%s/%04d/%02d/%02d/%s",
		hardwareID, at.Year(), at.Month(), at.Day(), imageName)
}
