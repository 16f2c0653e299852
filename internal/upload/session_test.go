package upload

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btransfer/btransfer/internal/clock"
)

func newTestRegistry(clk clock.Clock) *Registry {
	return NewRegistry(RegistryConfig{
		MaxFileSize:      1 << 30,
		DefaultChunkSize: 1 << 20,
	}, clk)
}

func TestBitmap(t *testing.T) {
	b := newBitmap(130)
	assert.Equal(t, 0, b.received())
	assert.False(t, b.full())
	assert.Equal(t, 0, b.missing())

	assert.True(t, b.set(0))
	assert.False(t, b.set(0), "duplicate set must report false")
	assert.True(t, b.set(129))
	assert.Equal(t, 2, b.received())
	assert.Equal(t, 1, b.missing())

	for i := 1; i < 129; i++ {
		b.set(i)
	}
	assert.True(t, b.full())
	assert.Equal(t, -1, b.missing())
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\foo\doc.txt`, "doc.txt"},
		{"my file (1).zip", "my_file_(1).zip"},
		{"bad<name>?.txt", "bad_name__.txt"},
		{"trailing dots...", "trailing_dots"},
		{"käse.jpg", "käse.jpg"},
	}
	for _, tt := range tests {
		got, err := SanitizeFilename(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}

	for _, in := range []string{"", "...", "   ", "dir/", "\x00\x01"} {
		_, err := SanitizeFilename(in)
		assert.ErrorIs(t, err, ErrInvalidFilename, "input %q", in)
	}
}

func TestExtensionAllowed(t *testing.T) {
	assert.True(t, extensionAllowed("a.pdf", nil))
	assert.True(t, extensionAllowed("a.PDF", []string{"pdf", "zip"}))
	assert.True(t, extensionAllowed("a.zip", []string{".zip"}))
	assert.False(t, extensionAllowed("a.exe", []string{"pdf", "zip"}))
	assert.False(t, extensionAllowed("noext", []string{"pdf"}))
}

func TestCreateValidation(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		MaxFileSize:       1000,
		DefaultChunkSize:  100,
		AllowedExtensions: []string{"txt"},
	}, clock.Real{})

	_, err := r.Create("", 500, 0, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidFilename)

	_, err = r.Create("a.exe", 500, 0, CreateOptions{})
	assert.ErrorIs(t, err, ErrExtensionNotAllowed)

	_, err = r.Create("a.txt", 0, 0, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = r.Create("a.txt", 1001, 0, CreateOptions{})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	s, err := r.Create("a.txt", 250, 0, CreateOptions{Owner: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 3, s.ExpectedChunks, "ceil(250/100)")
	assert.Equal(t, int64(100), s.ChunkSize)
	assert.Equal(t, StatusActive, s.Status)
	assert.NotEmpty(t, s.ID)
}

func TestRecordChunkAndProgress(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)

	s, err := r.Create("data.bin", 25, 10, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, s.ExpectedChunks)

	assert.ErrorIs(t, r.RecordChunk("nope", 0, 10), ErrSessionNotFound)
	assert.ErrorIs(t, r.RecordChunk(s.ID, 3, 10), ErrChunkIndexOutOfRange)
	assert.ErrorIs(t, r.RecordChunk(s.ID, -1, 10), ErrChunkIndexOutOfRange)

	clk.Advance(time.Second)
	require.NoError(t, r.RecordChunk(s.ID, 0, 10))
	require.NoError(t, r.RecordChunk(s.ID, 0, 10), "duplicate chunk is idempotent")

	p, err := r.Progress(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Received)
	assert.Equal(t, 3, p.Expected)
	assert.InDelta(t, 33.3, p.Percent, 0.1)
	assert.Equal(t, int64(10), p.BytesReceived, "duplicate bytes count once")
	assert.InDelta(t, 10.0, p.Rate, 0.01)
	assert.Equal(t, StatusActive, p.Status)
}

func TestTryBeginAssemblySingleWinner(t *testing.T) {
	r := newTestRegistry(clock.Real{})
	s, err := r.Create("data.bin", 30, 10, CreateOptions{})
	require.NoError(t, err)

	_, err = r.TryBeginAssembly(s.ID)
	assert.ErrorIs(t, err, ErrIncomplete)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RecordChunk(s.ID, i, 10))
	}

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.TryBeginAssembly(s.ID)
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller may assemble")
}

func TestFailAssemblyOneRetryPolicy(t *testing.T) {
	r := newTestRegistry(clock.Real{})
	s, err := r.Create("data.bin", 10, 10, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, r.RecordChunk(s.ID, 0, 10))

	ok, err := r.TryBeginAssembly(s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// First failure reverts to active for one retry.
	assert.True(t, r.FailAssembly(s.ID))
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	ok, err = r.TryBeginAssembly(s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Second failure is terminal.
	assert.False(t, r.FailAssembly(s.ID))
	got, err = r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	assert.ErrorIs(t, r.RecordChunk(s.ID, 0, 10), ErrSessionNotActive)
}

func TestRevertAssemblyKeepsRetryBudget(t *testing.T) {
	r := newTestRegistry(clock.Real{})
	s, err := r.Create("data.bin", 10, 10, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, r.RecordChunk(s.ID, 0, 10))

	ok, err := r.TryBeginAssembly(s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	r.RevertAssembly(s.ID)
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	// The integrity retry is still available after a storage revert.
	ok, err = r.TryBeginAssembly(s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.FailAssembly(s.ID))
}

func TestExpireStale(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(clk)

	stale, err := r.Create("stale.bin", 10, 10, CreateOptions{})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	fresh, err := r.Create("fresh.bin", 10, 10, CreateOptions{})
	require.NoError(t, err)

	expired := r.ExpireStale(time.Hour)
	assert.Equal(t, []string{stale.ID}, expired)

	// The expired session stays as a tombstone so clients see the
	// expired state instead of a vanished session.
	got, err := r.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.ErrorIs(t, r.RecordChunk(stale.ID, 0, 10), ErrSessionExpired)
	_, err = r.TryBeginAssembly(stale.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)

	// The next pass drops the tombstone and expires nothing new.
	expired = r.ExpireStale(time.Hour)
	assert.Empty(t, expired)
	assert.Equal(t, 1, r.Len())
	_, err = r.Get(stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = r.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestCreateChunkSizeValidation(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		MaxFileSize:      1 << 30,
		DefaultChunkSize: 1 << 20,
		MinChunkSize:     1 << 16,
	}, clock.Real{})

	_, err := r.Create("a.bin", 1<<20, 1, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = r.Create("a.bin", 1<<20, (1<<16)-1, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	s, err := r.Create("a.bin", 1<<20, 1<<16, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<16), s.ChunkSize)

	// Even with no configured floor, the chunk plan itself is bounded.
	r = newTestRegistry(clock.Real{})
	_, err = r.Create("bomb.bin", 1<<30, 1, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}
