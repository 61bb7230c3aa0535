// Package id generates job identifiers.
package id

import "github.com/google/uuid"

// UUIDGenerator mints random UUIDv4 job IDs.
type UUIDGenerator struct{}

// NewUUIDGenerator returns a ready generator.
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NewID returns a fresh UUID string.
func (g *UUIDGenerator) NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
