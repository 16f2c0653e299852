// Package storage implements tiered placement of finalized files across a
// local filesystem tier and an S3-compatible remote tier.
package storage

import (
	"context"
	"errors"
	"io"
)

// Tier identifies the storage backend holding a file's bytes.
type Tier string

// Available placement tiers.
const (
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
)

// Storage error types.
var (
	ErrNotFound    = errors.New("storage: not found")
	ErrUnknownTier = errors.New("storage: unknown tier")
)

// ObjectStore is the capability contract for a single tier: put, get and
// delete a blob by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
