package pagesource

// RangeChangeOp identifies the kind of mapping update a PagedRef applies
// when the engine reports a range change.
type RangeChangeOp int

const (
	// RangeChangeUnmap removes any mapping over the range entirely.
	RangeChangeUnmap RangeChangeOp = iota
	// RangeChangeRemoveWrite downgrades mappings over the range to
	// read-only (used when a page is about to be forked).
	RangeChangeRemoveWrite
	// RangeChangeDebugUnpin is a debug-only assertion that the range
	// carries no pinned mappings.
	RangeChangeDebugUnpin
)

func (op RangeChangeOp) String() string {
	switch op {
	case RangeChangeUnmap:
		return "Unmap"
	case RangeChangeRemoveWrite:
		return "RemoveWrite"
	case RangeChangeDebugUnpin:
		return "DebugUnpin"
	default:
		return "Unknown"
	}
}

// CacheFlags mirrors the mapping layer's cache-policy bits for a region;
// opaque to this engine beyond being round-tripped through PagedRef.
type CacheFlags uint32

// PagedRef is the mapping layer's view of the object that owns it: the
// engine calls back into it to invalidate mappings and to re-parent after
// a bidirectional clone.
type PagedRef interface {
	GetMappingCachePolicy() CacheFlags

	// RangeChangeUpdate applies op to [offset, offset+length) of every
	// mapping backed by this reference.
	RangeChangeUpdate(offset, length uint64, op RangeChangeOp)

	// SetCowPagesReference re-parents this reference onto newCow,
	// returning whatever cow-object it previously pointed at. Used when
	// a bidirectional clone inserts a hidden node above the original
	// object and the mapping layer's reference must follow it.
	SetCowPagesReference(newCow interface{}) (oldCow interface{})

	CanDedupZeroPages() bool
}

// DiscardableTracker manages a discardable object's membership on the
// reclamation-eligible list and its lock/discard state.
type DiscardableTracker interface {
	InitCowPages(cow interface{})
	RemoveFromDiscardableList()

	// Lock marks the object as in-use; if try is true it must not
	// block. Returns whether the object had already been discarded
	// since the last Lock.
	Lock(try bool) (wasDiscarded bool, err error)
	Unlock()

	IsEligibleForReclamation() bool
	WasDiscarded() bool
	SetDiscarded()
}
