// Package pageslot defines the tagged slot that a CowObject's page list
// stores at each page-aligned offset: an empty hole, a zero marker, a real
// page, a compressed reference, or one of the three zero-interval sentinels.
package pageslot

import "fmt"

// Kind discriminates the variant held by a Slot.
type Kind uint8

const (
	// KindEmpty means no slot is allocated at the offset.
	KindEmpty Kind = iota
	// KindMarker means the offset is explicitly zero.
	KindMarker
	// KindPage means the offset holds an owned physical page frame.
	KindPage
	// KindReference means the offset holds a compressed-content handle.
	KindReference
	// KindIntervalStart delimits the first offset of a zero interval.
	KindIntervalStart
	// KindIntervalEnd delimits the offset just past a zero interval.
	KindIntervalEnd
	// KindIntervalSlot is a sentinel produced when SplitInterval carves a
	// single offset out of an interval for allocation.
	KindIntervalSlot
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindMarker:
		return "Marker"
	case KindPage:
		return "Page"
	case KindReference:
		return "Reference"
	case KindIntervalStart:
		return "IntervalStart"
	case KindIntervalEnd:
		return "IntervalEnd"
	case KindIntervalSlot:
		return "IntervalSlot"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// DirtyState tracks writeback progress for pager-preserving objects. Pages
// and zero intervals in non-preserving (anonymous) objects stay Untracked.
type DirtyState uint8

const (
	// Untracked is used when the owning object has no preserving source.
	Untracked DirtyState = iota
	// Clean means content matches the external pager.
	Clean
	// Dirty means content was modified locally and needs writeback.
	Dirty
	// AwaitingClean means writeback has begun but not been acknowledged.
	AwaitingClean
)

func (d DirtyState) String() string {
	switch d {
	case Untracked:
		return "Untracked"
	case Clean:
		return "Clean"
	case Dirty:
		return "Dirty"
	case AwaitingClean:
		return "AwaitingClean"
	default:
		return fmt.Sprintf("DirtyState(%d)", uint8(d))
	}
}

// SplitBits records, for a Page or Reference owned by a hidden ancestor,
// which descending side has already taken its own copy of the content.
// Both bits set simultaneously is a corruption.
type SplitBits uint8

const (
	// LeftSplit is set once the left child of a hidden node has forked its
	// own copy of a page, meaning the page is no longer visible to it.
	LeftSplit SplitBits = 1 << iota
	// RightSplit is the symmetric bit for the right child.
	RightSplit
)

// Valid reports whether at most one split bit is set.
func (s SplitBits) Valid() bool {
	return s&LeftSplit == 0 || s&RightSplit == 0
}

// Page is the payload of a KindPage slot: an owned reference to a physical
// page frame plus its split and dirty bookkeeping.
type Page struct {
	Frame      PagePtr
	Split      SplitBits
	Dirty      DirtyState
	Pinned     int
	Loaned     bool
	AlwaysNeed bool
}

// PagePtr is an opaque handle to a physical page frame. The physical
// allocator backing it is out of scope for this engine; callers
// supply and compare PagePtr values, they never dereference them here.
type PagePtr uintptr

// Reference is the payload of a KindReference slot: a compressed-content
// handle. It carries the same split bookkeeping as a Page.
type Reference struct {
	Handle ReferenceHandle
	Split  SplitBits
}

// ReferenceHandle is an opaque handle minted by a pagesource.Compressor.
type ReferenceHandle uint64

// IntervalStart is the payload of a KindIntervalStart slot.
type IntervalStart struct {
	DirtyState          DirtyState
	AwaitingCleanLength uint64
}

// IntervalEnd is the payload of a KindIntervalEnd slot; it carries no extra
// state beyond its position delimiting the run.
type IntervalEnd struct{}

// Slot is the tagged union stored per page-aligned offset in a PageList.
// It is a plain struct with a kind discriminant rather than an interface
// hierarchy: a small struct rather than one packed word, since Go has no
// packed tagged-union primitive, but the shape — one tag, one payload —
// is the same idea.
type Slot struct {
	Kind      Kind
	Page      Page
	Reference Reference
	Interval  IntervalStart
}

// Empty returns the zero-value Empty slot.
func Empty() Slot { return Slot{Kind: KindEmpty} }

// Marker returns a zero-marker slot.
func Marker() Slot { return Slot{Kind: KindMarker} }

// NewPage wraps a physical frame into a page slot with untracked dirty
// state and no split bits set.
func NewPage(frame PagePtr) Slot {
	return Slot{Kind: KindPage, Page: Page{Frame: frame, Dirty: Untracked}}
}

// NewReference wraps a compressed handle into a reference slot.
func NewReference(h ReferenceHandle) Slot {
	return Slot{Kind: KindReference, Reference: Reference{Handle: h}}
}

// NewIntervalStart builds the start sentinel of a zero interval.
func NewIntervalStart(state DirtyState) Slot {
	return Slot{Kind: KindIntervalStart, Interval: IntervalStart{DirtyState: state}}
}

// NewIntervalEnd builds the end sentinel of a zero interval.
func NewIntervalEnd() Slot {
	return Slot{Kind: KindIntervalEnd}
}

// IsPageOrReference reports whether the slot carries split bits at all,
// i.e. is a KindPage or KindReference.
func (s Slot) IsPageOrReference() bool {
	return s.Kind == KindPage || s.Kind == KindReference
}

// SplitBits returns the split bits of a Page or Reference slot, or 0 for
// any other kind.
func (s Slot) SplitBits() SplitBits {
	switch s.Kind {
	case KindPage:
		return s.Page.Split
	case KindReference:
		return s.Reference.Split
	default:
		return 0
	}
}

// WithSplitBits returns a copy of s with its split bits replaced. Panics if
// s is not a Page or Reference slot — callers must check IsPageOrReference
// first, mirroring the invariant that only those kinds carry split state.
func (s Slot) WithSplitBits(bits SplitBits) Slot {
	switch s.Kind {
	case KindPage:
		s.Page.Split = bits
		return s
	case KindReference:
		s.Reference.Split = bits
		return s
	default:
		panic("pageslot: WithSplitBits on a slot with no split bits")
	}
}

// Validate checks the per-slot invariant that at most one split bit is
// set.
func (s Slot) Validate() error {
	if s.IsPageOrReference() && !s.SplitBits().Valid() {
		return fmt.Errorf("pageslot: both split bits set on a %s slot", s.Kind)
	}
	return nil
}

// IsZeroContent reports whether the slot represents implicit or explicit
// zero content rather than real backing bytes.
func (s Slot) IsZeroContent() bool {
	switch s.Kind {
	case KindEmpty, KindMarker, KindIntervalStart, KindIntervalEnd, KindIntervalSlot:
		return true
	default:
		return false
	}
}
