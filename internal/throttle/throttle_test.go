package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAdmitsWithinBurst(t *testing.T) {
	store := NewMemoryStore(0)
	key := Key("tenant-a", 10, time.Second, 5)

	for i := 0; i < 5; i++ {
		res, err := store.Throttle(context.Background(), key, 10, time.Second, 5, 1)
		require.NoError(t, err)
		assert.Falsef(t, res.Limited, "request %d should be admitted within burst", i)
	}

	res, err := store.Throttle(context.Background(), key, 10, time.Second, 5, 1)
	require.NoError(t, err)
	assert.True(t, res.Limited, "request beyond burst should be limited")
	assert.Positive(t, res.RetryAfter)
}

func TestMemoryStoreRecoversAfterWait(t *testing.T) {
	store := NewMemoryStore(0)
	key := Key("tenant-b", 100, 100*time.Millisecond, 1)

	res, err := store.Throttle(context.Background(), key, 100, 100*time.Millisecond, 1, 1)
	require.NoError(t, err)
	require.False(t, res.Limited)

	res, err = store.Throttle(context.Background(), key, 100, 100*time.Millisecond, 1, 1)
	require.NoError(t, err)
	require.True(t, res.Limited)

	time.Sleep(res.RetryAfter + 2*time.Millisecond)

	res, err = store.Throttle(context.Background(), key, 100, 100*time.Millisecond, 1, 1)
	require.NoError(t, err)
	assert.False(t, res.Limited, "request should be admitted again once the cell drains")
}

func TestKeyFoldsParametersSoDifferentLimitsDontCollide(t *testing.T) {
	a := Key("domain:example.com", 10, time.Second, 5)
	b := Key("domain:example.com", 20, time.Second, 5)
	assert.NotEqual(t, a, b, "changing limit parameters must route to a distinct cell")
}

func TestMemoryStoreRejectsNonPositiveLimit(t *testing.T) {
	store := NewMemoryStore(0)
	res, err := store.Throttle(context.Background(), "x", 0, time.Second, 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Limited)
}

func TestMemoryStoreReapsOnOverflow(t *testing.T) {
	store := NewMemoryStore(1)

	res, err := store.Throttle(context.Background(), "first", 1, time.Millisecond, 1, 1)
	require.NoError(t, err)
	require.False(t, res.Limited)

	time.Sleep(5 * time.Millisecond)

	res, err = store.Throttle(context.Background(), "second", 1, time.Millisecond, 1, 1)
	require.NoError(t, err)
	assert.False(t, res.Limited, "a stale cell should be reaped to make room rather than rejecting the new key outright")
}
