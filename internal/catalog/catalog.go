// Package catalog tracks finalized files: their unique names, placement,
// ownership and lock state. Metadata is durable as one JSON document per
// entry so the catalog survives restarts.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/clock"
	"github.com/btransfer/btransfer/internal/storage"
)

// Catalog errors.
var (
	ErrNotFound = errors.New("catalog: file not found")
	ErrNotOwner = errors.New("catalog: not the file owner")
)

// Entry is the catalog record for one stored file.
type Entry struct {
	Name         string       `json:"name"`
	Size         int64        `json:"size"`
	Checksum     string       `json:"checksum"`
	Tier         storage.Tier `json:"tier"`
	StorageKey   string       `json:"storage_key"`
	Locked       bool         `json:"locked"`
	LockSalt     []byte       `json:"lock_salt,omitempty"`
	LockVerifier []byte       `json:"lock_verifier,omitempty"`
	Owner        string       `json:"owner"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// OwnedBy reports whether identity may mutate this entry.
func (e *Entry) OwnedBy(identity string) bool {
	return e.Owner != "" && e.Owner == identity
}

// BlobStore is the subset of the placer the catalog needs to reclaim
// bytes when an entry is deleted.
type BlobStore interface {
	Delete(ctx context.Context, tier storage.Tier, key string) error
}

// Catalog is the in-memory index over the durable entry documents.
type Catalog struct {
	mu      sync.RWMutex
	dir     string
	entries map[string]*Entry
	blobs   BlobStore
	clock   clock.Clock
}

// New loads the catalog from dir, creating it if needed.
func New(dir string, blobs BlobStore, clk clock.Clock) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	c := &Catalog{
		dir:     dir,
		entries: make(map[string]*Entry),
		blobs:   blobs,
		clock:   clk,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("scan catalog dir: %w", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read catalog entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("Skipping corrupt catalog entry")
			continue
		}
		c.entries[e.Name] = &e
	}
	log.Info().Int("files", len(c.entries)).Str("dir", c.dir).Msg("Catalog loaded")
	return nil
}

func (c *Catalog) entryPath(name string) string {
	return filepath.Join(c.dir, name+".json")
}

// persist writes the entry document atomically. Caller holds c.mu.
func (c *Catalog) persist(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog entry: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write catalog entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync catalog entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close catalog entry: %w", err)
	}
	if err := os.Rename(tmpPath, c.entryPath(e.Name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename catalog entry: %w", err)
	}
	return nil
}

// Register adds an entry, suffixing the name if it is already taken, and
// returns the final name.
func (c *Catalog) Register(e Entry) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := e.Name
	if _, taken := c.entries[name]; taken {
		base, ext := splitExt(e.Name)
		for i := 1; ; i++ {
			name = fmt.Sprintf("%s_%d%s", base, i, ext)
			if _, taken := c.entries[name]; !taken {
				break
			}
		}
	}
	e.Name = name

	if err := c.persist(&e); err != nil {
		return "", err
	}
	c.entries[name] = &e
	log.Info().
		Str("name", name).
		Int64("size", e.Size).
		Str("tier", string(e.Tier)).
		Msg("File registered")
	return name, nil
}

// Get returns a copy of the entry for name.
func (c *Catalog) Get(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *e, nil
}

// List returns copies of all entries sorted by creation time, newest
// first.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes the entry and its stored bytes. identity must own the
// entry.
func (c *Catalog) Delete(ctx context.Context, name, identity string) error {
	return c.remove(ctx, name, &identity)
}

// Reclaim removes the entry and its stored bytes without an ownership
// check. Only internal reclamation (TTL expiry) may use it.
func (c *Catalog) Reclaim(ctx context.Context, name string) error {
	return c.remove(ctx, name, nil)
}

func (c *Catalog) remove(ctx context.Context, name string, identity *string) error {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if identity != nil && !e.OwnedBy(*identity) {
		c.mu.Unlock()
		return ErrNotOwner
	}
	delete(c.entries, name)
	path := c.entryPath(name)
	c.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove catalog entry: %w", err)
	}
	if err := c.blobs.Delete(ctx, e.Tier, e.StorageKey); err != nil {
		log.Warn().Str("name", name).Err(err).Msg("Failed to delete stored bytes")
	}
	log.Info().Str("name", name).Msg("File deleted")
	return nil
}

// SetLock records lock metadata for the entry. Only the owner may lock.
func (c *Catalog) SetLock(name, identity string, salt, verifier []byte) error {
	return c.update(name, identity, func(e *Entry) {
		e.Locked = true
		e.LockSalt = salt
		e.LockVerifier = verifier
	})
}

// ClearLock removes lock metadata from the entry. Only the owner may
// unlock.
func (c *Catalog) ClearLock(name, identity string) error {
	return c.update(name, identity, func(e *Entry) {
		e.Locked = false
		e.LockSalt = nil
		e.LockVerifier = nil
	})
}

func (c *Catalog) update(name, identity string, mutate func(*Entry)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return ErrNotFound
	}
	if !e.OwnedBy(identity) {
		return ErrNotOwner
	}
	updated := *e
	mutate(&updated)
	if err := c.persist(&updated); err != nil {
		return err
	}
	*e = updated
	return nil
}

// Expired returns copies of entries whose TTL has elapsed.
func (c *Catalog) Expired() []Entry {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, e := range c.entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			out = append(out, *e)
		}
	}
	return out
}

func splitExt(name string) (base, ext string) {
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
