package httpd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/btransfer/btransfer/internal/catalog"
	"github.com/btransfer/btransfer/internal/lock"
	"github.com/btransfer/btransfer/internal/storage"
	"github.com/btransfer/btransfer/internal/upload"
	"github.com/btransfer/btransfer/pkg/bytesize"
)

type createSessionRequest struct {
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int64  `json:"chunk_size,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

type createSessionResponse struct {
	SessionID   string `json:"session_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

type chunkResponse struct {
	Checksum string  `json:"checksum"`
	Received int     `json:"received"`
	Expected int     `json:"expected"`
	Percent  float64 `json:"percent"`
}

type progressResponse struct {
	Status        string  `json:"status"`
	Received      int     `json:"received"`
	Expected      int     `json:"expected"`
	Percent       float64 `json:"percent"`
	BytesReceived int64   `json:"bytes_received"`
	Rate          string  `json:"rate,omitempty"`
	ETASeconds    int64   `json:"eta_seconds,omitempty"`
}

type fileResponse struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum,omitempty"`
	Tier      string    `json:"tier"`
	Locked    bool      `json:"locked"`
	IsOwner   bool      `json:"is_owner"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.registry.Create(req.Filename, req.TotalSize, req.ChunkSize, upload.CreateOptions{
		Compressed: req.Compressed,
		Checksum:   req.Checksum,
		Owner:      clientIdentity(r),
	})
	if err != nil {
		s.handlerError(w, err)
		return
	}
	upload.GetMetrics().SessionsCreated.Inc()

	s.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:   sess.ID,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.ExpectedChunks,
	})
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.jsonError(w, "invalid chunk index", http.StatusBadRequest)
		return
	}

	sess, err := s.registry.Get(id)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	// Reject before touching disk; an expired tombstone must not grow a
	// fresh chunk directory.
	switch sess.Status {
	case upload.StatusExpired:
		s.handlerError(w, upload.ErrSessionExpired)
		return
	case upload.StatusComplete, upload.StatusFailed:
		s.handlerError(w, upload.ErrSessionNotActive)
		return
	}
	if index < 0 || index >= sess.ExpectedChunks {
		s.jsonError(w, "chunk index out of range", http.StatusBadRequest)
		return
	}

	// Compressed chunks may exceed the plain chunk size slightly.
	limit := sess.ChunkSize + s.cfg.ChunkSlack.Bytes()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		s.jsonError(w, "chunk exceeds negotiated size", http.StatusRequestEntityTooLarge)
		return
	}

	sum, err := s.chunks.Put(id, index, data, limit)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if err := s.registry.RecordChunk(id, index, int64(len(data))); err != nil {
		s.handlerError(w, err)
		return
	}
	m := upload.GetMetrics()
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(len(data)))

	p, err := s.registry.Progress(id)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chunkResponse{
		Checksum: sum,
		Received: p.Received,
		Expected: p.Expected,
		Percent:  p.Percent,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Progress(r.PathValue("id"))
	if err != nil {
		s.handlerError(w, err)
		return
	}
	resp := progressResponse{
		Status:        string(p.Status),
		Received:      p.Received,
		Expected:      p.Expected,
		Percent:       p.Percent,
		BytesReceived: p.BytesReceived,
		ETASeconds:    int64(p.ETA.Seconds()),
	}
	if p.Rate > 0 {
		resp.Rate = bytesize.FormatRate(p.Rate)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	won, err := s.registry.TryBeginAssembly(id)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if !won {
		s.jsonError(w, "assembly already in progress", http.StatusConflict)
		return
	}

	res, err := s.assembler.Assemble(r.Context(), id)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, fileResponse{
		Name:     res.Name,
		Size:     res.Size,
		Checksum: res.Checksum,
		Tier:     string(res.Tier),
		IsOwner:  true,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	identity := clientIdentity(r)
	entries := s.catalog.List()
	files := make([]fileResponse, 0, len(entries))
	for _, e := range entries {
		files = append(files, fileResponse{
			Name:      e.Name,
			Size:      e.Size,
			Checksum:  e.Checksum,
			Tier:      string(e.Tier),
			Locked:    e.Locked,
			IsOwner:   e.OwnedBy(identity),
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	e, err := s.catalog.Get(r.PathValue("name"))
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if e.Locked {
		s.jsonError(w, "file is locked", http.StatusForbidden)
		return
	}

	rc, err := s.placer.Get(r.Context(), e.Tier, e.StorageKey)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", e.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(e.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Str("name", e.Name).Err(err).Msg("Download aborted")
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	identity := clientIdentity(r)

	mu := s.rewriteLock(name)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.catalog.Get(name)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if e.Locked {
		var req passwordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
			s.jsonError(w, "password required for locked file", http.StatusForbidden)
			return
		}
		if _, err := s.locks.Verify(req.Password, lock.Material{Salt: e.LockSalt, Verifier: e.LockVerifier}); err != nil {
			s.handlerError(w, err)
			return
		}
	}

	if err := s.catalog.Delete(r.Context(), name, identity); err != nil {
		s.handlerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	identity := clientIdentity(r)

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The entry is re-read under the stripe so concurrent lock requests
	// cannot both see an unlocked file.
	mu := s.rewriteLock(name)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.catalog.Get(name)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if !e.OwnedBy(identity) {
		s.jsonError(w, "only the owner may lock a file", http.StatusForbidden)
		return
	}
	if e.Locked {
		s.jsonError(w, "file is already locked", http.StatusConflict)
		return
	}

	m, key, err := s.locks.NewMaterial(req.Password)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if err := s.rewriteBlob(r, e, func(dst io.Writer, src io.Reader) error {
		return s.locks.Seal(key, dst, src)
	}); err != nil {
		s.handlerError(w, err)
		return
	}
	if err := s.catalog.SetLock(name, identity, m.Salt, m.Verifier); err != nil {
		s.handlerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"locked": true})
}

func (s *Server) handleUnlockFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	identity := clientIdentity(r)

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mu := s.rewriteLock(name)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.catalog.Get(name)
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if !e.OwnedBy(identity) {
		s.jsonError(w, "only the owner may unlock a file", http.StatusForbidden)
		return
	}
	if !e.Locked {
		s.jsonError(w, "file is not locked", http.StatusConflict)
		return
	}

	key, err := s.locks.Verify(req.Password, lock.Material{Salt: e.LockSalt, Verifier: e.LockVerifier})
	if err != nil {
		s.handlerError(w, err)
		return
	}
	if err := s.rewriteBlob(r, e, func(dst io.Writer, src io.Reader) error {
		return s.locks.Open(key, dst, src)
	}); err != nil {
		s.handlerError(w, err)
		return
	}
	if err := s.catalog.ClearLock(name, identity); err != nil {
		s.handlerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"locked": false})
}

// rewriteBlob streams the stored blob through transform into a temp file
// and writes the result back to the same tier and key.
func (s *Server) rewriteBlob(r *http.Request, e catalog.Entry, transform func(io.Writer, io.Reader) error) error {
	src, err := s.placer.Get(r.Context(), e.Tier, e.StorageKey)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "btransfer-rewrite-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if err := transform(tmp, src); err != nil {
		return err
	}
	info, err := tmp.Stat()
	if err != nil {
		return fmt.Errorf("stat temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind temp file: %w", err)
	}
	return s.placer.PutAt(r.Context(), e.Tier, e.StorageKey, tmp, info.Size())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handlerError maps component errors onto HTTP statuses.
func (s *Server) handlerError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, upload.ErrSessionNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, upload.ErrSessionExpired):
		code = http.StatusGone
	case errors.Is(err, upload.ErrInvalidFilename),
		errors.Is(err, upload.ErrExtensionNotAllowed),
		errors.Is(err, upload.ErrInvalidSize),
		errors.Is(err, upload.ErrInvalidChunkSize),
		errors.Is(err, upload.ErrChunkIndexOutOfRange),
		errors.Is(err, lock.ErrPasswordTooShort):
		code = http.StatusBadRequest
	case errors.Is(err, upload.ErrFileTooLarge),
		errors.Is(err, upload.ErrChunkTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrIncomplete),
		errors.Is(err, upload.ErrSessionNotActive):
		code = http.StatusConflict
	case errors.Is(err, lock.ErrWrongPassword),
		errors.Is(err, catalog.ErrNotOwner):
		code = http.StatusForbidden
	case errors.Is(err, upload.ErrChecksumMismatch),
		errors.Is(err, upload.ErrSizeMismatch),
		errors.Is(err, upload.ErrAssemblyFailed):
		code = http.StatusUnprocessableEntity
	default:
		log.Error().Err(err).Msg("Internal error")
		s.jsonError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.jsonError(w, err.Error(), code)
}
