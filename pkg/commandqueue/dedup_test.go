package commandqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(context.Background(), 50*time.Millisecond)
	cache.Stop()

	select {
	case <-cache.done:
		// ok
	case <-time.After(1 * time.Second):
		t.Fatalf("dedup cache cleanup did not stop within timeout")
	}
}

func TestDedupCache_ClaimAndComplete(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	_, _, ok := cache.Claim("update:1")
	require.True(t, ok)

	_, done, ok := cache.Claim("update:1")
	assert.False(t, ok)
	assert.False(t, done, "in-flight claim is not done")

	failure := errors.New("boom")
	cache.Complete("update:1", taskResult{value: "v", err: failure})

	res, done, ok := cache.Claim("update:1")
	assert.False(t, ok)
	assert.True(t, done)
	assert.Equal(t, "v", res.value)
	assert.ErrorIs(t, res.err, failure)
}

func TestDedupCache_Expiry(t *testing.T) {
	cache := newDedupCache(context.Background(), 20*time.Millisecond)
	defer cache.Stop()

	_, _, ok := cache.Claim("update:2")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, _, ok = cache.Claim("update:2")
	assert.True(t, ok, "expired ids can be claimed again")

	cache.purge(time.Now().Add(time.Second))
	assert.Equal(t, 0, cache.Size())
}
