package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ChunkStore is the disk-backed holding area for upload fragments. Each
// session gets its own directory with one file per chunk index, so
// concurrent sessions never contend on shared state.
type ChunkStore struct {
	dir string
}

// NewChunkStore creates the holding area rooted at dir.
func NewChunkStore(dir string) (*ChunkStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &ChunkStore{dir: dir}, nil
}

func (cs *ChunkStore) sessionDir(sessionID string) string {
	return filepath.Join(cs.dir, sessionID)
}

func (cs *ChunkStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(cs.sessionDir(sessionID), fmt.Sprintf("%06d.chunk", index))
}

// Put writes one fragment atomically and returns its SHA-256. Re-putting
// an index overwrites the previous fragment, so retried chunks are
// idempotent. Fragments beyond limit bytes are rejected.
func (cs *ChunkStore) Put(sessionID string, index int, data []byte, limit int64) (string, error) {
	if limit > 0 && int64(len(data)) > limit {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(data), limit)
	}
	dir := cs.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp chunk: %w", err)
	}
	if err := os.Rename(tmpPath, cs.chunkPath(sessionID, index)); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename chunk: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ReadOrdered streams fragments 0..expected-1 in index order through fn.
// Iteration stops at the first error. Safe to re-invoke from scratch
// after a failed pass.
func (cs *ChunkStore) ReadOrdered(sessionID string, expected int, fn func(index int, r io.Reader) error) error {
	for i := 0; i < expected; i++ {
		f, err := os.Open(cs.chunkPath(sessionID, i))
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", i, err)
		}
		err = fn(i, f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Purge removes the session's fragment directory.
func (cs *ChunkStore) Purge(sessionID string) error {
	if err := os.RemoveAll(cs.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("purge chunks: %w", err)
	}
	return nil
}
