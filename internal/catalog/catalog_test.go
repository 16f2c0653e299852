package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btransfer/btransfer/internal/clock"
	"github.com/btransfer/btransfer/internal/storage"
)

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeBlobs) Delete(ctx context.Context, tier storage.Tier, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestCatalog(t *testing.T, clk clock.Clock) (*Catalog, *fakeBlobs) {
	t.Helper()
	blobs := &fakeBlobs{}
	c, err := New(t.TempDir(), blobs, clk)
	require.NoError(t, err)
	return c, blobs
}

func testEntry(name, owner string) Entry {
	return Entry{
		Name:       name,
		Size:       1024,
		Checksum:   "abc123",
		Tier:       storage.TierLocal,
		StorageKey: "key-" + name,
		Owner:      owner,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestRegisterAndGet(t *testing.T) {
	c, _ := newTestCatalog(t, clock.Real{})

	name, err := c.Register(testEntry("report.pdf", "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)

	e, err := c.Get("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), e.Size)
	assert.Equal(t, "10.0.0.1", e.Owner)
}

func TestRegisterSuffixesDuplicateNames(t *testing.T) {
	c, _ := newTestCatalog(t, clock.Real{})

	for i, want := range []string{"report.pdf", "report_1.pdf", "report_2.pdf"} {
		name, err := c.Register(testEntry("report.pdf", "owner"))
		require.NoError(t, err, "register %d", i)
		assert.Equal(t, want, name)
	}

	name, err := c.Register(testEntry("noext", "owner"))
	require.NoError(t, err)
	assert.Equal(t, "noext", name)
	name, err = c.Register(testEntry("noext", "owner"))
	require.NoError(t, err)
	assert.Equal(t, "noext_1", name)
}

func TestCatalogSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	blobs := &fakeBlobs{}
	c, err := New(dir, blobs, clock.Real{})
	require.NoError(t, err)

	_, err = c.Register(testEntry("persisted.zip", "owner"))
	require.NoError(t, err)
	require.NoError(t, c.SetLock("persisted.zip", "owner", []byte("salt"), []byte("verifier")))

	reloaded, err := New(dir, blobs, clock.Real{})
	require.NoError(t, err)
	e, err := reloaded.Get("persisted.zip")
	require.NoError(t, err)
	assert.True(t, e.Locked)
	assert.Equal(t, []byte("salt"), e.LockSalt)
	assert.Equal(t, "key-persisted.zip", e.StorageKey)
}

func TestDeleteRemovesEntryAndBytes(t *testing.T) {
	c, blobs := newTestCatalog(t, clock.Real{})
	_, err := c.Register(testEntry("gone.bin", "10.0.0.1"))
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), "gone.bin", "10.0.0.1"))
	_, err = c.Get("gone.bin")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"key-gone.bin"}, blobs.deleted)

	err = c.Delete(context.Background(), "gone.bin", "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRequiresOwnership(t *testing.T) {
	c, blobs := newTestCatalog(t, clock.Real{})
	_, err := c.Register(testEntry("mine.txt", "10.0.0.1"))
	require.NoError(t, err)

	err = c.Delete(context.Background(), "mine.txt", "10.9.9.9")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, blobs.deleted)

	_, err = c.Get("mine.txt")
	assert.NoError(t, err)
}

func TestReclaimBypassesOwnership(t *testing.T) {
	c, blobs := newTestCatalog(t, clock.Real{})
	_, err := c.Register(testEntry("orphan.bin", ""))
	require.NoError(t, err)

	require.NoError(t, c.Reclaim(context.Background(), "orphan.bin"))
	_, err = c.Get("orphan.bin")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"key-orphan.bin"}, blobs.deleted)
}

func TestLockUnlockMetadata(t *testing.T) {
	c, _ := newTestCatalog(t, clock.Real{})
	_, err := c.Register(testEntry("secret.doc", "owner"))
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetLock("secret.doc", "intruder", nil, nil), ErrNotOwner)
	assert.ErrorIs(t, c.SetLock("missing.doc", "owner", nil, nil), ErrNotFound)

	require.NoError(t, c.SetLock("secret.doc", "owner", []byte("s"), []byte("v")))
	e, err := c.Get("secret.doc")
	require.NoError(t, err)
	assert.True(t, e.Locked)

	require.NoError(t, c.ClearLock("secret.doc", "owner"))
	e, err = c.Get("secret.doc")
	require.NoError(t, err)
	assert.False(t, e.Locked)
	assert.Nil(t, e.LockSalt)
}

func TestListNewestFirst(t *testing.T) {
	c, _ := newTestCatalog(t, clock.Real{})

	older := testEntry("older.txt", "a")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testEntry("newer.txt", "b")

	_, err := c.Register(older)
	require.NoError(t, err)
	_, err = c.Register(newer)
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "newer.txt", list[0].Name)
	assert.Equal(t, "older.txt", list[1].Name)
}

func TestExpired(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c, _ := newTestCatalog(t, clk)

	fresh := testEntry("fresh.txt", "a")
	fresh.ExpiresAt = clk.Now().Add(time.Hour)
	stale := testEntry("stale.txt", "a")
	stale.ExpiresAt = clk.Now().Add(time.Minute)
	forever := testEntry("forever.txt", "a")

	for _, e := range []Entry{fresh, stale, forever} {
		_, err := c.Register(e)
		require.NoError(t, err)
	}

	assert.Empty(t, c.Expired())

	clk.Advance(30 * time.Minute)
	expired := c.Expired()
	require.Len(t, expired, 1)
	assert.Equal(t, "stale.txt", expired[0].Name)
}

func TestOwnedBy(t *testing.T) {
	e := Entry{Owner: "10.0.0.1"}
	assert.True(t, e.OwnedBy("10.0.0.1"))
	assert.False(t, e.OwnedBy("10.0.0.2"))

	// Entries without an owner are never mutable by identity.
	anon := Entry{}
	assert.False(t, anon.OwnedBy(""))
}
