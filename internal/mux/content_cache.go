package mux

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"conductor/internal/session"
)

// DefaultContentTTL is how long a capture stays fresh before the next read
// goes back to the multiplexer.
const DefaultContentTTL = 50 * time.Millisecond

// captureScrollback is how many history lines each capture includes.
const captureScrollback = 1000

// Capture is one captured pane snapshot. Generation increments only when the
// content hash changes, so downstream consumers can skip recomputation on
// unchanged output.
type Capture struct {
	Text       string
	Hash       uint64
	CapturedAt time.Time
	Generation uint64
	Lines      int
}

// Age returns how long ago the capture was taken.
func (c Capture) Age() time.Duration {
	return time.Since(c.CapturedAt)
}

// ContentCache keeps the latest capture per session. Reads within the TTL
// return the cached value without touching the multiplexer; expired reads
// re-capture and bump the generation only if the hash changed.
type ContentCache struct {
	client *Client
	ttl    time.Duration

	mu      sync.Mutex
	entries map[session.ID]Capture
}

func NewContentCache(client *Client, ttl time.Duration) *ContentCache {
	if ttl <= 0 {
		ttl = DefaultContentTTL
	}
	return &ContentCache{
		client:  client,
		ttl:     ttl,
		entries: make(map[session.ID]Capture),
	}
}

// Get returns the cached capture when fresh, otherwise captures anew.
func (cc *ContentCache) Get(ctx context.Context, id session.ID, muxName string) (Capture, error) {
	cc.mu.Lock()
	cached, ok := cc.entries[id]
	cc.mu.Unlock()

	if ok && time.Since(cached.CapturedAt) <= cc.ttl {
		return cached, nil
	}
	return cc.Refresh(ctx, id, muxName)
}

// Refresh bypasses the TTL and captures fresh content. The generation counter
// only advances when the hash differs from the previous capture.
func (cc *ContentCache) Refresh(ctx context.Context, id session.ID, muxName string) (Capture, error) {
	text, err := cc.client.CapturePane(ctx, muxName, captureScrollback)
	if err != nil {
		return Capture{}, err
	}

	hash := xxhash.Sum64String(text)
	now := time.Now()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	previous, ok := cc.entries[id]
	next := Capture{
		Text:       text,
		Hash:       hash,
		CapturedAt: now,
		Lines:      strings.Count(text, "\n") + 1,
	}
	if ok && previous.Hash == hash {
		// Same content: refresh the timestamp, keep the generation.
		next.Generation = previous.Generation
	} else if ok {
		next.Generation = previous.Generation + 1
	} else {
		next.Generation = 1
	}
	cc.entries[id] = next
	return next, nil
}

// Peek returns the cached capture without refreshing, if any.
func (cc *ContentCache) Peek(id session.ID) (Capture, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cached, ok := cc.entries[id]
	return cached, ok
}

// Invalidate drops the cached capture for a session.
func (cc *ContentCache) Invalidate(id session.ID) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.entries, id)
}
