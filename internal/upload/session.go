// Package upload implements resumable chunked uploads: session tracking,
// the on-disk chunk holding area and final assembly.
package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/clock"
)

// Status is the lifecycle state of an upload session.
type Status string

// Session lifecycle states. Sessions move active→assembling→complete on
// the happy path. A first integrity failure reverts assembling→active for
// one retry; a second is terminal. TTL expiry applies to any
// non-terminal state.
const (
	StatusActive     Status = "active"
	StatusAssembling Status = "assembling"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Session tracks one in-flight chunked upload.
type Session struct {
	ID             string
	Filename       string
	TotalSize      int64
	ChunkSize      int64
	ExpectedChunks int
	Compressed     bool
	Checksum       string // optional declared SHA-256, hex
	Owner          string
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	BytesReceived  int64

	retries  int
	received *bitmap
}

// Progress is a lock-held snapshot of upload state.
type Progress struct {
	Received      int
	Expected      int
	Percent       float64
	BytesReceived int64
	Rate          float64 // bytes per second since session creation
	ETA           time.Duration
	Status        Status
}

// CreateOptions carries the optional parameters of Create.
type CreateOptions struct {
	Compressed bool
	Checksum   string
	Owner      string
}

// RegistryConfig bounds what sessions the registry accepts.
type RegistryConfig struct {
	MaxFileSize       int64
	DefaultChunkSize  int64
	MinChunkSize      int64 // zero disables the floor
	AllowedExtensions []string
}

// maxChunksPerSession bounds the chunk plan accepted for a single upload.
const maxChunksPerSession = 1 << 20

// Registry owns all live sessions. All state transitions go through the
// registry lock; no IO happens while it is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      RegistryConfig
	clock    clock.Clock
}

// NewRegistry constructs an empty session registry.
func NewRegistry(cfg RegistryConfig, clk clock.Clock) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		clock:    clk,
	}
}

// Create validates the request and registers a new active session.
// chunkSize zero selects the server default.
func (r *Registry) Create(filename string, totalSize, chunkSize int64, opts CreateOptions) (*Session, error) {
	cleaned, err := SanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if !extensionAllowed(cleaned, r.cfg.AllowedExtensions) {
		return nil, ErrExtensionNotAllowed
	}
	if totalSize <= 0 {
		return nil, ErrInvalidSize
	}
	if totalSize > r.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, totalSize)
	}
	if chunkSize <= 0 {
		chunkSize = r.cfg.DefaultChunkSize
	}
	if r.cfg.MinChunkSize > 0 && chunkSize < r.cfg.MinChunkSize {
		return nil, fmt.Errorf("%w: %d bytes is below the %d byte minimum", ErrInvalidChunkSize, chunkSize, r.cfg.MinChunkSize)
	}
	expected := (totalSize + chunkSize - 1) / chunkSize
	if expected > maxChunksPerSession {
		return nil, fmt.Errorf("%w: %d bytes yields %d chunks, limit is %d", ErrInvalidChunkSize, chunkSize, expected, maxChunksPerSession)
	}

	now := r.clock.Now()
	s := &Session{
		ID:             uuid.NewString(),
		Filename:       cleaned,
		TotalSize:      totalSize,
		ChunkSize:      chunkSize,
		ExpectedChunks: int(expected),
		Compressed:     opts.Compressed,
		Checksum:       opts.Checksum,
		Owner:          opts.Owner,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.received = newBitmap(s.ExpectedChunks)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Info().
		Str("session", s.ID).
		Str("filename", s.Filename).
		Int64("size", s.TotalSize).
		Int("chunks", s.ExpectedChunks).
		Bool("compressed", s.Compressed).
		Msg("Upload session created")
	return s.snapshot(), nil
}

// RecordChunk marks index received and bumps the activity timestamp.
// Duplicate indexes are accepted idempotently; size only counts once.
func (r *Registry) RecordChunk(id string, index int, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.activeLocked(id)
	if err != nil {
		return err
	}
	if index < 0 || index >= s.ExpectedChunks {
		return fmt.Errorf("%w: %d of %d", ErrChunkIndexOutOfRange, index, s.ExpectedChunks)
	}
	if s.received.set(index) {
		s.BytesReceived += size
	}
	s.LastActivityAt = r.clock.Now()
	return nil
}

// Progress returns a snapshot of upload progress for id.
func (r *Registry) Progress(id string) (Progress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Progress{}, ErrSessionNotFound
	}

	p := Progress{
		Received:      s.received.received(),
		Expected:      s.ExpectedChunks,
		BytesReceived: s.BytesReceived,
		Status:        s.Status,
	}
	if s.ExpectedChunks > 0 {
		p.Percent = 100 * float64(p.Received) / float64(s.ExpectedChunks)
	}
	elapsed := r.clock.Now().Sub(s.CreatedAt).Seconds()
	if elapsed > 0 && s.BytesReceived > 0 {
		p.Rate = float64(s.BytesReceived) / elapsed
		remaining := s.TotalSize - s.BytesReceived
		if remaining > 0 {
			p.ETA = time.Duration(float64(remaining)/p.Rate) * time.Second
		}
	}
	return p, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// TryBeginAssembly atomically moves an active, fully received session to
// assembling. Exactly one caller wins under concurrency; losers get false.
func (r *Registry) TryBeginAssembly(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.activeLocked(id)
	if err != nil {
		return false, err
	}
	if !s.received.full() {
		return false, fmt.Errorf("%w: %d of %d chunks", ErrIncomplete, s.received.received(), s.ExpectedChunks)
	}
	if s.Status != StatusActive {
		return false, nil
	}
	s.Status = StatusAssembling
	s.LastActivityAt = r.clock.Now()
	return true, nil
}

// CompleteAssembly marks the session complete and drops it from the
// registry; the file now lives in the catalog.
func (r *Registry) CompleteAssembly(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Status = StatusComplete
	delete(r.sessions, id)
}

// FailAssembly records an integrity failure. The first failure reverts
// the session to active so the client can retry; the second is terminal.
// Returns true when a retry is still possible.
func (r *Registry) FailAssembly(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusAssembling {
		return false
	}
	if s.retries == 0 {
		s.retries++
		s.Status = StatusActive
		s.LastActivityAt = r.clock.Now()
		log.Warn().Str("session", id).Msg("Assembly failed, allowing one retry")
		return true
	}
	s.Status = StatusFailed
	log.Error().Str("session", id).Msg("Assembly failed terminally")
	return false
}

// RevertAssembly moves an assembling session back to active without
// consuming the integrity retry. Used when storage, not the payload, is
// at fault.
func (r *Registry) RevertAssembly(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusAssembling {
		return
	}
	s.Status = StatusActive
	s.LastActivityAt = r.clock.Now()
}

// ExpireStale marks sessions idle longer than ttl as expired and returns
// their IDs so callers can purge chunks. Expired sessions stay in the
// registry as tombstones so late chunk uploads observe the expired state;
// tombstones from a previous pass are dropped. Assembling sessions are
// included; a crash mid-assembly must not pin fragments forever.
func (r *Registry) ExpireStale(ttl time.Duration) []string {
	cutoff := r.clock.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, s := range r.sessions {
		if s.Status == StatusExpired {
			delete(r.sessions, id)
			continue
		}
		if s.LastActivityAt.After(cutoff) {
			continue
		}
		s.Status = StatusExpired
		expired = append(expired, id)
	}
	return expired
}

// Remove drops the session regardless of state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) activeLocked(id string) (*Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch s.Status {
	case StatusExpired:
		return nil, ErrSessionExpired
	case StatusComplete, StatusFailed:
		return nil, ErrSessionNotActive
	}
	return s, nil
}

// snapshot copies the session without its bitmap for lock-free reads.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.received = nil
	return &cp
}
