// Package storage archives finished crawl artifacts to object storage.
package storage

import "context"

// Provider saves a finished artifact under an object name.
type Provider interface {
	// Save writes data under name, overwriting any previous object.
	Save(ctx context.Context, name string, data []byte) error
	// Close releases underlying client resources.
	Close() error
}

// NoOp discards artifacts. Used when archival is disabled.
type NoOp struct{}

// NewNoOp returns a provider that drops everything.
func NewNoOp() *NoOp {
	return &NoOp{}
}

// Save discards the artifact.
func (n *NoOp) Save(ctx context.Context, name string, data []byte) error {
	return nil
}

// Close is a no-op.
func (n *NoOp) Close() error {
	return nil
}
