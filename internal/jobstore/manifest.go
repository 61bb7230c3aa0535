package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zoras/llm-codes/internal/cache"
	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/kv"
)

const defaultManifestTTL = 7 * 24 * time.Hour

// Manifest records which URLs a finished crawl of a start URL produced. The
// cache-first start path replays it to decide whether a fresh crawl is needed.
type Manifest struct {
	StartURL string    `json:"start_url"`
	URLs     []string  `json:"urls"`
	StoredAt time.Time `json:"stored_at"`
}

// ManifestStore persists crawl manifests keyed by normalized start URL.
type ManifestStore struct {
	store kv.Store
	ttl   time.Duration
}

// NewManifestStore constructs a ManifestStore. ttl <= 0 means the 7d default,
// matching the page cache so a manifest never outlives its pages by much.
func NewManifestStore(store kv.Store, ttl time.Duration) *ManifestStore {
	if ttl <= 0 {
		ttl = defaultManifestTTL
	}
	return &ManifestStore{store: store, ttl: ttl}
}

// Put stores the manifest under the normalized start URL.
func (m *ManifestStore) Put(ctx context.Context, manifest Manifest) error {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := m.store.Set(ctx, cache.ManifestKey(manifest.StartURL), raw, m.ttl); err != nil {
		return fmt.Errorf("put manifest for %s: %w", manifest.StartURL, err)
	}
	return nil
}

// Get loads the manifest for startURL, or ErrNotFound.
func (m *ManifestStore) Get(ctx context.Context, startURL string) (Manifest, error) {
	raw, err := m.store.Get(ctx, cache.ManifestKey(startURL))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("get manifest for %s: %w", startURL, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest for %s: %w", startURL, err)
	}
	return manifest, nil
}

// FromJob builds a manifest out of a completed job's crawled URL set.
func FromJob(job crawl.Job, at time.Time) Manifest {
	return Manifest{StartURL: job.StartURL, URLs: job.CrawledURLs, StoredAt: at}
}
