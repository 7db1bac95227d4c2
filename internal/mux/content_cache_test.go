package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/internal/session"
)

// countingSpawn serves a fixed pane text and counts capture invocations.
type countingSpawn struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (c *countingSpawn) spawn(ctx context.Context, bin string, args []string) (spawnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return spawnResult{stdout: c.text}, nil
}

func (c *countingSpawn) set(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

func (c *countingSpawn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestContentCacheServesWithinTTL(t *testing.T) {
	spawn := &countingSpawn{text: "agent output\n> "}
	client := NewClient(NewRunner(4, nil, WithSpawn(spawn.spawn)))
	cache := NewContentCache(client, time.Minute)
	id := session.NewID()

	first, err := cache.Get(context.Background(), id, "cdr-test")
	require.NoError(t, err)

	second, err := cache.Get(context.Background(), id, "cdr-test")
	require.NoError(t, err)

	require.Equal(t, first.Text, second.Text)
	require.Equal(t, first.Generation, second.Generation)
	// Two reads inside the TTL trigger exactly one capture.
	require.Equal(t, 1, spawn.count())
}

func TestContentCacheGenerationOnChange(t *testing.T) {
	spawn := &countingSpawn{text: "first"}
	client := NewClient(NewRunner(4, nil, WithSpawn(spawn.spawn)))
	cache := NewContentCache(client, time.Nanosecond)
	id := session.NewID()

	first, err := cache.Get(context.Background(), id, "cdr-test")
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Generation)

	// Unchanged content refreshes the timestamp but not the generation.
	time.Sleep(time.Millisecond)
	repeat, err := cache.Get(context.Background(), id, "cdr-test")
	require.NoError(t, err)
	require.Equal(t, uint64(1), repeat.Generation)
	require.True(t, repeat.CapturedAt.After(first.CapturedAt) || repeat.CapturedAt.Equal(first.CapturedAt))

	spawn.set("second")
	time.Sleep(time.Millisecond)
	changed, err := cache.Get(context.Background(), id, "cdr-test")
	require.NoError(t, err)
	require.Equal(t, uint64(2), changed.Generation)
	require.NotEqual(t, first.Hash, changed.Hash)
}

func TestContentCachePeekAndInvalidate(t *testing.T) {
	spawn := &countingSpawn{text: "content"}
	client := NewClient(NewRunner(4, nil, WithSpawn(spawn.spawn)))
	cache := NewContentCache(client, time.Minute)
	id := session.NewID()

	_, ok := cache.Peek(id)
	require.False(t, ok)

	_, err := cache.Get(context.Background(), id, "cdr-test")
	require.NoError(t, err)

	cached, ok := cache.Peek(id)
	require.True(t, ok)
	require.Equal(t, "content", cached.Text)

	cache.Invalidate(id)
	_, ok = cache.Peek(id)
	require.False(t, ok)
}

func TestContentCacheSeparateSessions(t *testing.T) {
	spawn := &countingSpawn{text: "shared"}
	client := NewClient(NewRunner(4, nil, WithSpawn(spawn.spawn)))
	cache := NewContentCache(client, time.Minute)

	a, err := cache.Get(context.Background(), session.NewID(), "cdr-a")
	require.NoError(t, err)
	b, err := cache.Get(context.Background(), session.NewID(), "cdr-b")
	require.NoError(t, err)

	// Distinct sessions each get their own capture.
	require.Equal(t, 2, spawn.count())
	require.Equal(t, uint64(1), a.Generation)
	require.Equal(t, uint64(1), b.Generation)
}
