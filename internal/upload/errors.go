package upload

import "errors"

// Upload errors.
var (
	ErrSessionNotFound      = errors.New("upload: session not found")
	ErrSessionExpired       = errors.New("upload: session expired")
	ErrSessionNotActive     = errors.New("upload: session not active")
	ErrInvalidFilename      = errors.New("upload: invalid filename")
	ErrExtensionNotAllowed  = errors.New("upload: file extension not allowed")
	ErrFileTooLarge         = errors.New("upload: file exceeds maximum size")
	ErrInvalidSize          = errors.New("upload: invalid file size")
	ErrInvalidChunkSize     = errors.New("upload: invalid chunk size")
	ErrChunkIndexOutOfRange = errors.New("upload: chunk index out of range")
	ErrChunkTooLarge        = errors.New("upload: chunk exceeds negotiated size")
	ErrChecksumMismatch     = errors.New("upload: checksum mismatch")
	ErrSizeMismatch         = errors.New("upload: assembled size mismatch")
	ErrIncomplete           = errors.New("upload: not all chunks received")
	ErrAssemblyFailed       = errors.New("upload: assembly failed")
)
