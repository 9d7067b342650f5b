package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runBlobSuite(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	runBlobSuite(t, s)
}

func TestBreakerStorePassesThrough(t *testing.T) {
	runBlobSuite(t, NewBreakerStore(NewMemoryStore(), "test"))
}

func runBlobSuite(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, ImageKey("j1", 0), []byte("png-0")))
	require.NoError(t, s.Put(ctx, ImageKey("j1", 1), []byte("png-1")))
	require.NoError(t, s.Put(ctx, ManifestKey("j1"), []byte("csv")))
	require.NoError(t, s.Put(ctx, ManifestKey("j10"), []byte("other")))

	got, err := s.Get(ctx, ImageKey("j1", 1))
	require.NoError(t, err)
	assert.Equal(t, "png-1", string(got))

	// Overwrite is allowed
	require.NoError(t, s.Put(ctx, ManifestKey("j1"), []byte("csv-v2")))
	got, err = s.Get(ctx, ManifestKey("j1"))
	require.NoError(t, err)
	assert.Equal(t, "csv-v2", string(got))

	_, err = s.Get(ctx, "jobs/none/manifest.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, ImageKey("j1", 0)))
	require.NoError(t, s.Delete(ctx, ImageKey("j1", 0)), "deleting a missing key is not an error")
	_, err = s.Get(ctx, ImageKey("j1", 0))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeletePrefix(ctx, JobPrefix("j1")))
	require.NoError(t, s.DeletePrefix(ctx, JobPrefix("j1")), "deleting a missing prefix is not an error")
	_, err = s.Get(ctx, ManifestKey("j1"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Sibling job with a shared id prefix survives
	got, err = s.Get(ctx, ManifestKey("j10"))
	require.NoError(t, err)
	assert.Equal(t, "other", string(got))

	for _, bad := range []string{"", "/etc/passwd", "../escape", "jobs/../../x"} {
		assert.ErrorIs(t, s.Put(ctx, bad, []byte("x")), ErrInvalidKey, bad)
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "jobs/abc/", JobPrefix("abc"))
	assert.Equal(t, "jobs/abc/images/00007.png", ImageKey("abc", 7))
	assert.Equal(t, "jobs/abc/results/00002.json", CheckpointKey("abc", 2))
	assert.Equal(t, "jobs/abc/manifest.csv", ManifestKey("abc"))
	assert.Equal(t, "jobs/abc/bundle.zip", ArchiveKey("abc"))
}

type failingStore struct{ *MemoryStore }

func (f failingStore) Put(ctx context.Context, key string, data []byte) error {
	return errors.New("connection refused")
}

func TestBreakerTrips(t *testing.T) {
	b := NewBreakerStore(failingStore{NewMemoryStore()}, "trip")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Put(ctx, "jobs/x/a", []byte("a"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.ErrorIs(t, b.Put(ctx, "jobs/x/a", []byte("a")), gobreaker.ErrOpenState)
	assert.Equal(t, "open", b.State())

	// Not-found reads do not count towards tripping
	healthy := NewBreakerStore(NewMemoryStore(), "reads")
	for i := 0; i < 5; i++ {
		_, err := healthy.Get(ctx, "jobs/x/missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", healthy.State())
}
