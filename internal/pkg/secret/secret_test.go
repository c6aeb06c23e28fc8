package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingLoader(value string, calls *atomic.Int32) Loader {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestCacheLoadsOnceConcurrently(t *testing.T) {
	var calls atomic.Int32
	c := NewCache("label-api", countingLoader("k1", &calls), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "k1", v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	c := NewCache("label-api", countingLoader("k1", &calls), time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background())
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(31 * time.Second)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheInvalidate(t *testing.T) {
	var calls atomic.Int32
	c := NewCache("label-api", countingLoader("k1", &calls), 0)

	_, _ = c.Get(context.Background())
	c.Invalidate()
	_, _ = c.Get(context.Background())

	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheEmptyValue(t *testing.T) {
	c := NewCache("label-api", FromEnv("TRIVIA_DUEL_SECRET_TEST_UNSET"), time.Minute)
	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFirstOf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	t.Setenv("TRIVIA_DUEL_SECRET_TEST", "from-env")

	v, err := FirstOf(FromFile(path), FromEnv("TRIVIA_DUEL_SECRET_TEST"))(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	v, err = FirstOf(FromFile(filepath.Join(dir, "missing")), FromEnv("TRIVIA_DUEL_SECRET_TEST"))(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = FirstOf(FromFile(filepath.Join(dir, "missing")))(context.Background())
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
