package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/catalog"
	"github.com/btransfer/btransfer/internal/clock"
	"github.com/btransfer/btransfer/internal/storage"
)

// Result describes the finalized file produced by an assembly.
type Result struct {
	Name     string
	Size     int64
	Checksum string
	Tier     storage.Tier
}

// Assembler turns a fully received session into a stored, cataloged
// file. Callers must win TryBeginAssembly first.
type Assembler struct {
	registry *Registry
	chunks   *ChunkStore
	placer   *storage.Placer
	catalog  *catalog.Catalog
	staging  string
	fileTTL  time.Duration
	clock    clock.Clock
}

// NewAssembler constructs an assembler staging temp files in staging.
func NewAssembler(registry *Registry, chunks *ChunkStore, placer *storage.Placer, cat *catalog.Catalog, staging string, fileTTL time.Duration, clk clock.Clock) (*Assembler, error) {
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Assembler{
		registry: registry,
		chunks:   chunks,
		placer:   placer,
		catalog:  cat,
		staging:  staging,
		fileTTL:  fileTTL,
		clock:    clk,
	}, nil
}

// Assemble streams the session's chunks in index order into a staging
// file, verifying size and checksum, then stores the bytes and registers
// the catalog entry. The session becomes complete only after both the
// store and the registration are durable.
func (a *Assembler) Assemble(ctx context.Context, id string) (*Result, error) {
	s, err := a.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusAssembling {
		return nil, ErrSessionNotActive
	}
	m := GetMetrics()

	tmp, err := os.CreateTemp(a.staging, ".assemble-*.tmp")
	if err != nil {
		a.registry.RevertAssembly(id)
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	written, sum, err := a.stream(s, tmp)
	if err != nil {
		m.Assemblies.WithLabelValues("integrity_failure").Inc()
		return nil, a.integrityFailure(id, err)
	}

	if err := tmp.Sync(); err != nil {
		a.registry.RevertAssembly(id)
		return nil, fmt.Errorf("sync staging file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		a.registry.RevertAssembly(id)
		return nil, fmt.Errorf("rewind staging file: %w", err)
	}

	// The session ID doubles as the storage key; it is unique and never
	// collides with suffixed catalog names.
	tier, err := a.placer.Put(ctx, id, tmp, written)
	if err != nil {
		m.Assemblies.WithLabelValues("storage_failure").Inc()
		a.registry.RevertAssembly(id)
		return nil, fmt.Errorf("store assembled file: %w", err)
	}

	now := a.clock.Now()
	name, err := a.catalog.Register(catalog.Entry{
		Name:       s.Filename,
		Size:       written,
		Checksum:   sum,
		Tier:       tier,
		StorageKey: id,
		Owner:      s.Owner,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.fileTTL),
	})
	if err != nil {
		m.Assemblies.WithLabelValues("storage_failure").Inc()
		if delErr := a.placer.Delete(ctx, tier, id); delErr != nil {
			log.Warn().Str("session", id).Err(delErr).Msg("Failed to undo stored blob")
		}
		a.registry.RevertAssembly(id)
		return nil, fmt.Errorf("register file: %w", err)
	}

	if err := a.chunks.Purge(id); err != nil {
		log.Warn().Str("session", id).Err(err).Msg("Failed to purge chunks after assembly")
	}
	a.registry.CompleteAssembly(id)
	m.Assemblies.WithLabelValues("success").Inc()
	m.FilesStored.WithLabelValues(string(tier)).Inc()

	log.Info().
		Str("session", id).
		Str("name", name).
		Int64("size", written).
		Str("tier", string(tier)).
		Msg("Upload assembled")
	return &Result{Name: name, Size: written, Checksum: sum, Tier: tier}, nil
}

// stream concatenates the chunks into w, decompressing each when the
// session is flagged compressed, and verifies size and declared checksum.
func (a *Assembler) stream(s *Session, w io.Writer) (int64, string, error) {
	hash := sha256.New()
	out := io.MultiWriter(w, hash)

	var written int64
	err := a.chunks.ReadOrdered(s.ID, s.ExpectedChunks, func(index int, r io.Reader) error {
		src := r
		if s.Compressed {
			gz, err := gzip.NewReader(r)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", index, err)
			}
			defer gz.Close()
			src = gz
		}
		n, err := io.Copy(out, src)
		written += n
		if err != nil {
			return fmt.Errorf("chunk %d: %w", index, err)
		}
		return nil
	})
	if err != nil {
		return 0, "", err
	}

	if written != s.TotalSize {
		return 0, "", fmt.Errorf("%w: got %d, want %d bytes", ErrSizeMismatch, written, s.TotalSize)
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	if s.Checksum != "" && !strings.EqualFold(sum, s.Checksum) {
		return 0, "", fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, sum, s.Checksum)
	}
	return written, sum, nil
}

// integrityFailure applies the one-retry policy: the first failure keeps
// the chunks and reverts the session to active, the second is terminal
// and reclaims the fragments.
func (a *Assembler) integrityFailure(id string, cause error) error {
	if a.registry.FailAssembly(id) {
		return fmt.Errorf("%w (retry permitted): %w", ErrAssemblyFailed, cause)
	}
	if err := a.chunks.Purge(id); err != nil {
		log.Warn().Str("session", id).Err(err).Msg("Failed to purge chunks after terminal failure")
	}
	return fmt.Errorf("%w: %w", ErrAssemblyFailed, cause)
}
