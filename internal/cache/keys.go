package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// KeyVersion tags page-content keys so a format change invalidates old
// entries without a manual purge.
const KeyVersion = 1

// Key namespaces in the durable tier.
const (
	pageKeyPrefix     = "page:"
	lockKeyPrefix     = "lock:"
	manifestKeyPrefix = "crawl:urls:"
)

// PageKey derives the versioned content key for a page URL.
func PageKey(rawURL string) string {
	return fmt.Sprintf("%s%s:v%d", pageKeyPrefix, hashURL(rawURL), KeyVersion)
}

// LockKey derives the lock key for a resource URL. It shares the page hash
// but not the version tag; lock identity must survive format bumps.
func LockKey(rawURL string) string {
	return lockKeyPrefix + hashURL(rawURL)
}

// ManifestKey derives the URL-manifest key for a start URL. Distinct
// namespace from page content so the two can never collide.
func ManifestKey(startURL string) string {
	return manifestKeyPrefix + hashURL(startURL)
}

// hashURL hashes a normalized URL so equivalent spellings share a key.
func hashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL lowercases the scheme and host, drops the fragment, and trims
// a trailing slash. Unparseable input is hashed as-is after trimming.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimSuffix(trimmed, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
