package storage

import (
	"context"
	"fmt"

	gcs "cloud.google.com/go/storage"
)

// GCS archives artifacts to a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCS builds a GCS provider for bucket, prefixing object names with prefix.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Save uploads data to <prefix>/<name> in the bucket.
func (g *GCS) Save(ctx context.Context, name string, data []byte) error {
	object := name
	if g.prefix != "" {
		object = g.prefix + "/" + name
	}
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("storage: write gs://%s/%s: %w", g.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalize gs://%s/%s: %w", g.bucket, object, err)
	}
	return nil
}

// Close releases the GCS client.
func (g *GCS) Close() error {
	return g.client.Close()
}
