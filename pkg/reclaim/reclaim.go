package reclaim

import (
	"sync"

	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/pagesource"
)

// Hint adjusts reclaim eviction eligibility for pages marked always-need.
type Hint int

const (
	// HintFollow honors a page's always-need bit, refusing to evict it.
	HintFollow Hint = iota
	// HintIgnore evicts an always-need page anyway (used by aggressive
	// memory-pressure passes).
	HintIgnore
)

// Outcome reports what ReclaimPage actually did.
type Outcome int

const (
	// OutcomeRefused means the page was not reclaimed.
	OutcomeRefused Outcome = iota
	// OutcomeEvicted means a Clean pager-backed page was dropped from
	// the page list; the pager can refill it later.
	OutcomeEvicted
	// OutcomeCompressed means the page was replaced with a compressed
	// reference.
	OutcomeCompressed
	// OutcomeZeroed means compression found the page all-zero and it
	// was replaced with a Marker (or removed entirely with no parent
	// content).
	OutcomeZeroed
	// OutcomeCompressionFailed means compression did not shrink the
	// page; it was moved to the compression-failed queue and the page
	// list is unchanged.
	OutcomeCompressionFailed
	// OutcomeDiscarded means the whole discardable object was
	// discarded.
	OutcomeDiscarded
)

// PageReader reads the current bytes backing a physical page frame, the
// seam this package uses instead of touching the (out-of-scope) physical
// allocator directly.
type PageReader interface {
	ReadPage(frame pageslot.PagePtr) []byte
}

// FreedList collects physical frames a reclaim operation released, for the
// caller to return to the (out-of-scope) physical allocator.
type FreedList struct {
	mu     sync.Mutex
	frames []pageslot.PagePtr
}

// Add records a freed frame.
func (f *FreedList) Add(frame pageslot.PagePtr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

// Frames returns every frame recorded so far.
func (f *FreedList) Frames() []pageslot.PagePtr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pageslot.PagePtr(nil), f.frames...)
}

// Target is the subset of a cow-object's state and behavior ReclaimPage
// needs. A future CowObject type implements this directly rather than this
// package depending on that type, keeping the dependency order leaves
// (pagelist, pageslot, pagesource) below reclamation, reclamation below
// the object that uses it.
type Target interface {
	// ID uniquely identifies the object for attribution and queue
	// bookkeeping.
	ID() string

	IsHighPriority() bool

	// CanEvict reports whether the object has a pager-preserving source
	// pages can be safely dropped back to (content refetches on the
	// next fault).
	CanEvict() bool

	// IsPagerBacked reports whether the object is backed by any
	// PageSource at all (pager-preserving or not).
	IsPagerBacked() bool

	IsDiscardable() bool

	// IsFirstOffset reports whether offset is the sentinel offset whose
	// reclamation triggers a whole-object discard decision.
	IsFirstOffset(offset uint64) bool

	// DiscardObject performs the actual discard of every page in the
	// object; reclaim only decides that discard should happen.
	DiscardObject() error

	// HasParentContent reports whether the object's parent has visible
	// content at offset, used to decide Marker vs removing the slot
	// entirely after a zero-compression result.
	HasParentContent(offset uint64) bool

	// IsDedupEligible reports whether offset is a candidate for
	// zero-page dedup: non-pinned, and Clean if the object tracks
	// dirtiness.
	IsDedupEligible(offset uint64) bool

	// RemoveWriteMappings asks the mapping layer to drop write
	// permission over one page at offset, used by dedup's
	// remove-then-rescan protocol.
	RemoveWriteMappings(offset uint64)
}

// ReclaimPage attempts to reclaim the page at offset, following the same
// priority order a reclamation scanner would: refuse pinned/high-priority
// content, evict Clean pager-backed pages, else compress anonymous pages,
// else discard a discardable object's first page.
func ReclaimPage(pl *pagelist.PageList, offset uint64, target Target, hint Hint, freed *FreedList, compressor pagesource.Compressor, read PageReader, queues *Queues) (Outcome, error) {
	slot, ok := pl.Lookup(offset)
	if !ok || slot.Kind != pageslot.KindPage {
		return OutcomeRefused, nil
	}
	if slot.Page.Pinned > 0 {
		return OutcomeRefused, nil
	}
	if target.IsHighPriority() {
		return OutcomeRefused, nil
	}

	if target.CanEvict() {
		if slot.Page.Dirty != pageslot.Clean {
			return OutcomeRefused, nil
		}
		if slot.Page.AlwaysNeed && hint != HintIgnore {
			return OutcomeRefused, nil
		}
		pl.RemoveContent(offset)
		freed.Add(slot.Page.Frame)
		return OutcomeEvicted, nil
	}

	if compressor != nil && !target.IsPagerBacked() && !target.IsDiscardable() {
		return compressAnonymousPage(pl, offset, target, slot, freed, compressor, read, queues)
	}

	if target.IsDiscardable() {
		if !target.IsFirstOffset(offset) {
			return OutcomeRefused, nil
		}
		if err := target.DiscardObject(); err != nil {
			return OutcomeRefused, cowerr.Wrap(err, cowerr.CodeBadState, "reclaim: discarding object")
		}
		return OutcomeDiscarded, nil
	}

	return OutcomeRefused, nil
}

func compressAnonymousPage(pl *pagelist.PageList, offset uint64, target Target, original pageslot.Slot, freed *FreedList, compressor pagesource.Compressor, read PageReader, queues *Queues) (Outcome, error) {
	page := read.ReadPage(original.Page.Frame)
	ref := compressor.Start(page)

	result, handle := compressor.Compress(ref)

	current, ok := pl.Lookup(offset)
	if !ok || current.Kind != pageslot.KindPage || current.Page.Frame != original.Page.Frame {
		// The slot changed underneath us while compression ran
		// unlocked (the cursor for this offset raced past): discard
		// the compressor's result and free the original page.
		compressor.ReturnTempReference(ref)
		freed.Add(original.Page.Frame)
		return OutcomeRefused, nil
	}

	switch result {
	case pagesource.CompressResultReference:
		pl.Insert(offset, pageslot.NewReference(pageslot.ReferenceHandle(handle)))
		freed.Add(original.Page.Frame)
		return OutcomeCompressed, nil
	case pagesource.CompressResultZero:
		if target.HasParentContent(offset) {
			pl.Insert(offset, pageslot.Marker())
		} else {
			pl.RemoveContent(offset)
		}
		freed.Add(original.Page.Frame)
		return OutcomeZeroed, nil
	default: // pagesource.CompressResultFail
		if queues != nil {
			queues.CompressionFailed.Push(Entry{Offset: offset, Frame: original.Page.Frame, Owner: target.ID()})
		}
		return OutcomeCompressionFailed, nil
	}
}
