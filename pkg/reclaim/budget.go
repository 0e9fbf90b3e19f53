// Package reclaim implements page-level reclamation: eviction of clean
// pager-backed pages, lazy compression of anonymous pages, discard of
// discardable regions, zero-page dedup, and the batched removal primitive
// the reclamation scanner uses to pull work off a queue in bulk. The
// reclamation policy and scanning loop themselves are out of scope; this
// package only implements what a single reclaim attempt against one page
// does once the scanner has picked it.
package reclaim

import (
	"sort"
	"sync"
	"time"
)

// Priority classifies an attributed region for eviction ordering. Renamed
// from a generic cold/warm/hot scheme to the vocabulary this engine's
// callers use: Evictable (clean pager-backed or anonymous, first choice),
// Normal (recently touched, second choice), HighPriority (never picked by
// EvictionCandidates; high-priority objects are excluded from
// reclamation entirely per ReclaimPage's first check).
type Priority int

const (
	// Evictable marks attribution for content with no recent access.
	Evictable Priority = iota
	// Normal marks attribution for content accessed at least a few
	// times recently.
	Normal
	// HighPriority marks attribution for a high-priority object's
	// content; EvictionCandidates never selects it.
	HighPriority
)

// entryInfo holds metadata about one tracked attributed region.
type entryInfo struct {
	key        string
	bytes      int64
	priority   Priority
	accesses   int64
	lastAccess time.Time
}

// AttributionBudget tracks, per owning object, how many bytes of page
// content are attributed to it, for eviction-candidate selection under
// memory pressure. An hidden ancestor's pages are always attributed to
// whichever descendant (or the pager-backed visible root) the caller
// names; this package does not decide attribution itself.
type AttributionBudget struct {
	mu    sync.RWMutex
	limit int64

	totalBytes int64
	perOwner   map[string]int64
	entries    map[string]map[string]*entryInfo // owner -> key -> info
}

// NewAttributionBudget creates a budget with the given byte limit. A
// non-positive limit means unlimited (no pressure is ever reported).
func NewAttributionBudget(limit int64) *AttributionBudget {
	return &AttributionBudget{
		limit:    limit,
		perOwner: make(map[string]int64),
		entries:  make(map[string]map[string]*entryInfo),
	}
}

// Track attributes bytes of page content at key to owner with priority.
func (b *AttributionBudget) Track(owner, key string, bytes int64, priority Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.entries[owner] == nil {
		b.entries[owner] = make(map[string]*entryInfo)
	}
	b.entries[owner][key] = &entryInfo{key: key, bytes: bytes, priority: priority, lastAccess: time.Now()}
	b.perOwner[owner] += bytes
	b.totalBytes += bytes
}

// Release removes the attribution for key under owner.
func (b *AttributionBudget) Release(owner, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.entries[owner]
	if !ok {
		return
	}
	info, ok := entries[key]
	if !ok {
		return
	}
	delete(entries, key)
	b.perOwner[owner] -= info.bytes
	b.totalBytes -= info.bytes
	if b.totalBytes < 0 {
		b.totalBytes = 0
	}
}

// RecordAccess bumps key's access count, promoting Evictable to Normal
// after a few touches, mirroring a simple recency-of-use signal.
func (b *AttributionBudget) RecordAccess(owner, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.entries[owner]
	if !ok {
		return
	}
	info, ok := entries[key]
	if !ok {
		return
	}
	info.accesses++
	info.lastAccess = time.Now()
	if info.accesses >= 3 && info.priority == Evictable {
		info.priority = Normal
	}
}

// TotalBytes returns the total attributed bytes across all owners.
func (b *AttributionBudget) TotalBytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalBytes
}

// OwnerBytes returns the bytes currently attributed to owner.
func (b *AttributionBudget) OwnerBytes(owner string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.perOwner[owner]
}

// IsUnderPressure reports whether total attributed bytes meets or exceeds
// the configured limit. Always false when the budget has no limit.
func (b *AttributionBudget) IsUnderPressure() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.limit > 0 && b.totalBytes >= b.limit
}

// EvictionCandidates returns up to len(owner's entries) keys for owner,
// ordered cheapest-to-evict first (Evictable before Normal, oldest access
// first within a priority), stopping once bytesNeeded bytes are covered.
// HighPriority entries are never returned.
func (b *AttributionBudget) EvictionCandidates(owner string, bytesNeeded int64) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, ok := b.entries[owner]
	if !ok || len(entries) == 0 {
		return nil
	}

	sorted := make([]*entryInfo, 0, len(entries))
	for _, info := range entries {
		if info.priority == HighPriority {
			continue
		}
		sorted = append(sorted, info)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].lastAccess.Before(sorted[j].lastAccess)
	})

	var candidates []string
	var freed int64
	for _, info := range sorted {
		if freed >= bytesNeeded {
			break
		}
		candidates = append(candidates, info.key)
		freed += info.bytes
	}
	return candidates
}
