package blob

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS is a Bucket backed by Google Cloud Storage. Credentials come from the
// ambient environment (workload identity or GOOGLE_APPLICATION_CREDENTIALS).
type GCS struct {
	client     *storage.Client
	bucket     string
	publicBase string
}

var _ Bucket = (*GCS)(nil)

// NewGCS builds a client for the named bucket. publicBase, when set,
// overrides the default storage.googleapis.com URL prefix; that's how
// CDN-fronted buckets hand out their edge URLs.
func NewGCS(ctx context.Context, bucket, publicBase string) (*GCS, error) {
	var client, err = storage.NewClient(ctx,
		option.WithScopes(storage.ScopeReadWrite))
	if err != nil {
		return nil, fmt.Errorf("building GCS client: %w", err)
	}
	return &GCS{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
	}, nil
}

func (g *GCS) Put(ctx context.Context, path string, data []byte, contentType string) error {
	var w = g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", g.bucket, path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing gs://%s/%s: %w", g.bucket, path, err)
	}
	return nil
}

func (g *GCS) PublicURL(path string) string {
	if g.publicBase != "" {
		return g.publicBase + "/" + path
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, path)
}

// Close releases the client.
func (g *GCS) Close() error { return g.client.Close() }
