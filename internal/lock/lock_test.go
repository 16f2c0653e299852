package lock

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestLockUnlockRoundTrip(t *testing.T) {
	engine := NewTestEngine()
	content := []byte("top secret report")
	path := writeTestFile(t, content)

	m, err := engine.Lock(path, "hunter2")
	require.NoError(t, err)
	require.Len(t, m.Salt, SaltSize)
	require.Len(t, m.Verifier, verifierSize)

	sealed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, content, sealed)
	assert.NotContains(t, string(sealed), "secret")

	require.NoError(t, engine.Unlock(path, "hunter2", m))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLockRejectsShortPassword(t *testing.T) {
	engine := NewTestEngine()
	path := writeTestFile(t, []byte("data"))

	_, err := engine.Lock(path, "abc")
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	// File must be untouched.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)
}

func TestUnlockWrongPasswordLeavesFileSealed(t *testing.T) {
	engine := NewTestEngine()
	path := writeTestFile(t, []byte("payload"))

	m, err := engine.Lock(path, "correct horse")
	require.NoError(t, err)
	sealed, err := os.ReadFile(path)
	require.NoError(t, err)

	err = engine.Unlock(path, "battery staple", m)
	assert.ErrorIs(t, err, ErrWrongPassword)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sealed, got, "failed unlock must not modify the file")
}

func TestVerify(t *testing.T) {
	engine := NewTestEngine()
	m, key, err := engine.NewMaterial("swordfish")
	require.NoError(t, err)
	require.Len(t, key, keySize)

	got, err := engine.Verify("swordfish", m)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = engine.Verify("sw0rdfish", m)
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = engine.Verify("x", m)
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestMaterialUniquePerLock(t *testing.T) {
	engine := NewTestEngine()
	m1, k1, err := engine.NewMaterial("same password")
	require.NoError(t, err)
	m2, k2, err := engine.NewMaterial("same password")
	require.NoError(t, err)

	assert.NotEqual(t, m1.Salt, m2.Salt)
	assert.NotEqual(t, m1.Verifier, m2.Verifier)
	assert.NotEqual(t, k1, k2)
}

func TestSealOpenLargeContent(t *testing.T) {
	engine := NewTestEngine()
	_, key, err := engine.NewMaterial("large file")
	require.NoError(t, err)

	// Spans multiple frames including an exact frame boundary.
	content := make([]byte, 2*frameSize)
	_, err = rand.Read(content)
	require.NoError(t, err)

	var sealed bytes.Buffer
	require.NoError(t, engine.Seal(key, &sealed, bytes.NewReader(content)))

	var opened bytes.Buffer
	require.NoError(t, engine.Open(key, &opened, &sealed))
	assert.Equal(t, content, opened.Bytes())
}

func TestSealOpenEmptyContent(t *testing.T) {
	engine := NewTestEngine()
	_, key, err := engine.NewMaterial("empty file")
	require.NoError(t, err)

	var sealed bytes.Buffer
	require.NoError(t, engine.Seal(key, &sealed, bytes.NewReader(nil)))

	var opened bytes.Buffer
	require.NoError(t, engine.Open(key, &opened, &sealed))
	assert.Empty(t, opened.Bytes())
}

func TestOpenDetectsTruncation(t *testing.T) {
	engine := NewTestEngine()
	_, key, err := engine.NewMaterial("truncated")
	require.NoError(t, err)

	content := make([]byte, frameSize+100)
	var sealed bytes.Buffer
	require.NoError(t, engine.Seal(key, &sealed, bytes.NewReader(content)))

	// Drop the final frame.
	truncated := sealed.Bytes()[:sealed.Len()-50]
	var opened bytes.Buffer
	err = engine.Open(key, &opened, bytes.NewReader(truncated))
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestOpenDetectsTamperedFrame(t *testing.T) {
	engine := NewTestEngine()
	_, key, err := engine.NewMaterial("tampered")
	require.NoError(t, err)

	var sealed bytes.Buffer
	require.NoError(t, engine.Seal(key, &sealed, bytes.NewReader([]byte("authentic content"))))

	corrupted := sealed.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff
	var opened bytes.Buffer
	err = engine.Open(key, &opened, bytes.NewReader(corrupted))
	assert.ErrorIs(t, err, ErrWrongPassword)
}
