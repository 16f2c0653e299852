// Package lock implements password-based encryption at rest for stored
// files. Only a salt and a key verifier are ever persisted; neither the
// password nor the encryption key can be recovered from catalog metadata.
package lock

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// MinPasswordLength is the shortest password accepted for locking.
const MinPasswordLength = 4

// SaltSize is the length of the random KDF salt in bytes.
const SaltSize = 16

const (
	keySize      = chacha20poly1305.KeySize
	verifierSize = 32

	// Files are sealed as a sequence of independently authenticated
	// frames so locking never buffers the whole file.
	frameSize       = 1 << 20
	noncePrefixSize = 15
	frameFinal      = 1
)

var magic = []byte("BTL1")

// Lock errors.
var (
	ErrPasswordTooShort = errors.New("lock: password too short")
	ErrWrongPassword    = errors.New("lock: wrong password")
)

// Material is the per-file lock metadata persisted in the catalog.
type Material struct {
	Salt     []byte
	Verifier []byte
}

// Engine derives keys and seals or opens file content. KDF parameters are
// fixed at construction so all files on a server verify consistently.
type Engine struct {
	time    uint32
	memory  uint32
	threads uint8
}

// NewEngine returns an engine with production argon2id parameters.
func NewEngine() *Engine {
	return &Engine{time: 3, memory: 64 * 1024, threads: 4}
}

// NewTestEngine returns an engine with weak KDF parameters for fast tests.
func NewTestEngine() *Engine {
	return &Engine{time: 1, memory: 8, threads: 1}
}

// derive stretches the password into an encryption key and a verifier.
// The verifier is safe to persist; the key never is.
func (e *Engine) derive(password string, salt []byte) (key, verifier []byte) {
	okm := argon2.IDKey([]byte(password), salt, e.time, e.memory, e.threads, keySize+verifierSize)
	return okm[:keySize], okm[keySize:]
}

// NewMaterial generates a fresh salt for password and returns the lock
// metadata together with the derived encryption key.
func (e *Engine) NewMaterial(password string) (Material, []byte, error) {
	if len(password) < MinPasswordLength {
		return Material{}, nil, ErrPasswordTooShort
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return Material{}, nil, fmt.Errorf("generate salt: %w", err)
	}
	key, verifier := e.derive(password, salt)
	return Material{Salt: salt, Verifier: verifier}, key, nil
}

// Verify checks password against stored material and returns the
// encryption key on success. The comparison is constant time.
func (e *Engine) Verify(password string, m Material) ([]byte, error) {
	if len(password) < MinPasswordLength {
		return nil, ErrWrongPassword
	}
	key, verifier := e.derive(password, m.Salt)
	if subtle.ConstantTimeCompare(verifier, m.Verifier) != 1 {
		return nil, ErrWrongPassword
	}
	return key, nil
}

// Lock encrypts the file at path in place and returns the metadata to
// persist. The plaintext is replaced atomically.
func (e *Engine) Lock(path, password string) (Material, error) {
	m, key, err := e.NewMaterial(password)
	if err != nil {
		return Material{}, err
	}
	if err := e.rewrite(path, func(dst io.Writer, src io.Reader) error {
		return e.Seal(key, dst, src)
	}); err != nil {
		return Material{}, err
	}
	return m, nil
}

// Unlock restores the plaintext of the file at path. A wrong password or
// tampered ciphertext leaves the file untouched.
func (e *Engine) Unlock(path, password string, m Material) error {
	key, err := e.Verify(password, m)
	if err != nil {
		return err
	}
	return e.rewrite(path, func(dst io.Writer, src io.Reader) error {
		return e.Open(key, dst, src)
	})
}

// rewrite streams path through transform into a temp file and renames it
// over the original only on success.
func (e *Engine) rewrite(path string, transform func(io.Writer, io.Reader) error) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := transform(tmp, src); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

// Seal encrypts src into dst as framed XChaCha20-Poly1305. Each frame
// carries a counter in its nonce and the last frame is flagged, so frames
// cannot be reordered, duplicated or truncated undetected.
func (e *Engine) Seal(key []byte, dst io.Writer, src io.Reader) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	prefix := make([]byte, noncePrefixSize)
	if _, err := rand.Read(prefix); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	if _, err := dst.Write(magic); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := dst.Write(prefix); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, frameSize)
	var counter uint64
	var frameLen [4]byte
	for {
		n, readErr := io.ReadFull(src, buf)
		final := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !final {
			return fmt.Errorf("read plaintext: %w", readErr)
		}
		ct := aead.Seal(nil, frameNonce(prefix, counter, final), buf[:n], nil)
		binary.BigEndian.PutUint32(frameLen[:], uint32(len(ct)))
		if _, err := dst.Write(frameLen[:]); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if _, err := dst.Write(ct); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if final {
			return nil
		}
		counter++
	}
}

// Open decrypts framed ciphertext from src into dst. Any authentication
// failure, reordering or truncation yields ErrWrongPassword.
func (e *Engine) Open(key []byte, dst io.Writer, src io.Reader) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	header := make([]byte, len(magic)+noncePrefixSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return ErrWrongPassword
	}
	if subtle.ConstantTimeCompare(header[:len(magic)], magic) != 1 {
		return ErrWrongPassword
	}
	prefix := header[len(magic):]

	buf := make([]byte, frameSize+aead.Overhead())
	var counter uint64
	var frameLen [4]byte
	for {
		if _, err := io.ReadFull(src, frameLen[:]); err != nil {
			return ErrWrongPassword
		}
		n := binary.BigEndian.Uint32(frameLen[:])
		if int(n) > len(buf) {
			return ErrWrongPassword
		}
		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return ErrWrongPassword
		}

		pt, err := aead.Open(nil, frameNonce(prefix, counter, false), buf[:n], nil)
		if err != nil {
			// Retry as the final frame before giving up.
			pt, err = aead.Open(nil, frameNonce(prefix, counter, true), buf[:n], nil)
			if err != nil {
				return ErrWrongPassword
			}
			if _, err := dst.Write(pt); err != nil {
				return fmt.Errorf("write plaintext: %w", err)
			}
			// Trailing garbage after the final frame means tampering.
			if _, err := src.Read(make([]byte, 1)); err != io.EOF {
				return ErrWrongPassword
			}
			return nil
		}
		if _, err := dst.Write(pt); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
		counter++
	}
}

func frameNonce(prefix []byte, counter uint64, final bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:noncePrefixSize+8], counter)
	if final {
		nonce[chacha20poly1305.NonceSizeX-1] = frameFinal
	}
	return nonce
}
