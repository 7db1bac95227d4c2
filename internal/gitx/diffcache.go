package gitx

import (
	"sync"
	"time"

	"conductor/internal/session"
)

// DefaultDiffTTL is how long a computed diff stays fresh. Diffs are an order
// of magnitude more expensive than pane captures, so the window is wider.
const DefaultDiffTTL = 500 * time.Millisecond

type diffKey struct {
	id   session.ID
	base string
}

// DiffCache keeps the latest diff per (session, base ref). Reads within the
// TTL return the cached model; expired reads recompute and bump the
// generation only when the diff content actually changed.
type DiffCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[diffKey]*Diff

	// open is swapped by tests that stage repositories under odd paths.
	open func(path string) (*Repo, error)
}

func NewDiffCache(ttl time.Duration) *DiffCache {
	if ttl <= 0 {
		ttl = DefaultDiffTTL
	}
	return &DiffCache{
		ttl:     ttl,
		entries: make(map[diffKey]*Diff),
		open:    Open,
	}
}

// Get returns the diff of the worktree at path against baseRef, cached per
// session.
func (dc *DiffCache) Get(id session.ID, path, baseRef string) (*Diff, error) {
	key := diffKey{id: id, base: baseRef}

	dc.mu.Lock()
	cached, ok := dc.entries[key]
	dc.mu.Unlock()

	if ok && time.Since(cached.ComputedAt) <= dc.ttl {
		return cached, nil
	}
	return dc.Refresh(id, path, baseRef)
}

// Refresh bypasses the TTL and recomputes. The generation only advances when
// the content hash differs from the previous computation.
func (dc *DiffCache) Refresh(id session.ID, path, baseRef string) (*Diff, error) {
	repo, err := dc.open(path)
	if err != nil {
		return nil, err
	}
	model, err := repo.Diff(baseRef)
	if err != nil {
		return nil, err
	}

	key := diffKey{id: id, base: baseRef}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	previous, ok := dc.entries[key]
	switch {
	case ok && previous.Hash == model.Hash:
		model.Generation = previous.Generation
	case ok:
		model.Generation = previous.Generation + 1
	default:
		model.Generation = 1
	}
	dc.entries[key] = model
	return model, nil
}

// Peek returns the cached diff without recomputing, if any.
func (dc *DiffCache) Peek(id session.ID, baseRef string) (*Diff, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	cached, ok := dc.entries[diffKey{id: id, base: baseRef}]
	return cached, ok
}

// Invalidate drops all cached diffs for a session.
func (dc *DiffCache) Invalidate(id session.ID) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for key := range dc.entries {
		if key.id == id {
			delete(dc.entries, key)
		}
	}
}
