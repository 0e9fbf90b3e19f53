// Package vmobject implements the copy-on-write paged-object hierarchy: a
// tree of CowObjects backed by pagelist.PageList slot maps, joined by
// Snapshot (bidirectional), SnapshotAtLeastOnWrite (unidirectional), and
// Slice clones, with a cursor-driven fault path, a COW fork engine for
// hidden-ancestor content, a dirty/writeback state machine for
// pager-preserving trees, and the bulk resize/commit/pin/zero/supply/take
// operations built on top of those primitives.
package vmobject

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/reclaim"
)

// PageSize is the fixed page granularity every offset and length is
// aligned to.
const PageSize = 4096

// LifeCycle is the monotonic state of a CowObject.
type LifeCycle int

const (
	// Init means the object was constructed but has not yet acquired its
	// first external back-reference.
	Init LifeCycle = iota
	// Alive means the object has (or has had) an external back-reference
	// or children keeping it live.
	Alive
	// Dead means the object has no back-reference and no children; its
	// resources have been released.
	Dead
)

func (l LifeCycle) String() string {
	switch l {
	case Init:
		return "Init"
	case Alive:
		return "Alive"
	case Dead:
		return "Dead"
	default:
		return "LifeCycle(unknown)"
	}
}

// Options bits configure a CowObject's shape. Several are mutually
// exclusive in practice (Hidden objects are never Slice, for example);
// CreateClone enforces the legal combinations rather than this type.
type Options uint32

const (
	// Hidden marks an internal node created by Snapshot, holding two
	// children and no external back-reference.
	Hidden Options = 1 << iota
	// Slice marks an object that aliases a sub-range of its parent
	// rather than owning independent content.
	Slice
	// SnapshotEligible marks an object that may be the target of
	// SnapshotAtLeastOnWrite (the source advertises the capability).
	SnapshotEligible
	// Discardable marks an object whose content may be dropped wholesale
	// under memory pressure rather than page-by-page.
	Discardable
)

func (o Options) Has(bit Options) bool { return o&bit != 0 }

// ErrNotClonable is returned by CreateClone when the object's current
// state forbids the requested clone kind and no compatible upgrade
// exists.
var ErrNotClonable = errors.New("vmobject: object cannot be cloned in its current state")

// ErrHasParent is returned by operations that are only valid on a
// parentless root.
var ErrHasParent = errors.New("vmobject: operation requires an object with no parent")

// ErrPinned is returned when an operation is refused because pages in its
// range are pinned.
var ErrPinned = errors.New("vmobject: range has pinned pages")

// CowObject is one node of the paged-content hierarchy. A single mutex
// guards every field below except the atomic counters, mirroring a
// mutex-guarded struct with a narrow set of lock-free fields rather than
// fine-grained per-field locking.
type CowObject struct {
	mu sync.Mutex

	id string

	size uint64

	parent           *CowObject
	parentOffset     uint64
	parentStartLimit uint64
	parentLimit      uint64
	rootParentOffset uint64

	children []*CowObject

	pageList *pagelist.PageList

	options Options

	lifeCycle LifeCycle

	pinnedPageCount    int64
	highPriorityCount  int64
	reclamationCount   int64
	partialCowRelease  bool

	pageSource pagesource.Source

	compressor pagesource.Compressor

	discardTracker pagesource.DiscardableTracker // set when Options.Discardable

	attributionUserID string

	budget *reclaim.AttributionBudget

	// backReference is the external object (address-space mapping)
	// notified of range changes; nil for Hidden nodes and for roots that
	// have not yet acquired one.
	backReference pagesource.PagedRef
}

// Config supplies the optional collaborators a CowObject is wired to at
// creation.
type Config struct {
	Size              uint64
	Source            pagesource.Source
	Compressor        pagesource.Compressor
	Budget            *reclaim.AttributionBudget
	AttributionUserID string
}

// NewRoot creates a fresh root cow-object with no parent, in the Init
// life-cycle state.
func NewRoot(cfg Config) (*CowObject, error) {
	if cfg.Size%PageSize != 0 {
		return nil, cowerr.New(cowerr.CodeInvalidArguments, "vmobject: size must be page aligned")
	}
	o := &CowObject{
		id:                uuid.NewString(),
		size:              cfg.Size,
		parentLimit:       0,
		pageList:          pagelist.New(),
		lifeCycle:         Init,
		pageSource:        cfg.Source,
		compressor:        cfg.Compressor,
		budget:            cfg.Budget,
		attributionUserID: cfg.AttributionUserID,
	}
	return o, nil
}

// ID returns the object's stable identity, used for attribution and queue
// bookkeeping.
func (o *CowObject) ID() string { return o.id }

// newObjectID mints a fresh identity for a clone created outside NewRoot.
func newObjectID() string { return uuid.NewString() }

// Size returns the object's current size in bytes.
func (o *CowObject) Size() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// IsHighPriority reports whether the object currently carries a non-zero
// high-priority count.
func (o *CowObject) IsHighPriority() bool {
	return atomic.LoadInt64(&o.highPriorityCount) > 0
}

// AddHighPriorityCount adjusts the object's high-priority count by delta
// and propagates the same delta to its parent, so a non-zero count at any
// descendant implies a non-zero count at every ancestor.
func (o *CowObject) AddHighPriorityCount(delta int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addHighPriorityCountLocked(delta)
}

func (o *CowObject) addHighPriorityCountLocked(delta int64) {
	atomic.AddInt64(&o.highPriorityCount, delta)
	if o.parent != nil {
		o.parent.AddHighPriorityCount(delta)
	}
}

// PinnedPageCount returns the number of currently pinned pages.
func (o *CowObject) PinnedPageCount() int64 {
	return atomic.LoadInt64(&o.pinnedPageCount)
}

// ReclamationEventCount returns the object's reclamation-event counter.
// A snapshot hands the counter to its left child and resets it on the
// hidden node; no code path in this module increments it, so it reads
// zero.
func (o *CowObject) ReclamationEventCount() int64 {
	return atomic.LoadInt64(&o.reclamationCount)
}

// AttributionUserID returns the identifier memory charged against this
// object is attributed to, or the empty string if it carries none (Hidden
// nodes and unattributed roots).
func (o *CowObject) AttributionUserID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attributionUserID
}

// LifeCycleState returns the object's current life-cycle state.
func (o *CowObject) LifeCycleState() LifeCycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifeCycle
}

// AttachBackReference transitions the object to Alive and records its
// external back-reference. A Hidden object must never be attached.
func (o *CowObject) AttachBackReference(ref pagesource.PagedRef) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.options.Has(Hidden) {
		return cowerr.New(cowerr.CodeBadState, "vmobject: a hidden node cannot hold a back-reference")
	}
	o.backReference = ref
	if o.lifeCycle == Init {
		o.lifeCycle = Alive
	}
	return nil
}

// DetachBackReference clears the object's external back-reference,
// potentially starting the dead transition if the object now has neither
// a back-reference nor children.
func (o *CowObject) DetachBackReference() {
	o.mu.Lock()
	o.backReference = nil
	shouldDie := len(o.children) == 0
	o.mu.Unlock()

	if shouldDie {
		o.transitionToDead()
	}
}

// addChildLocked appends child to the children list, called with o.mu
// held.
func (o *CowObject) addChildLocked(child *CowObject) {
	o.children = append(o.children, child)
}

// removeChildLocked removes child from the children list if present,
// called with o.mu held. Returns whether the object now has neither a
// back-reference nor any remaining children.
func (o *CowObject) removeChildLocked(child *CowObject) bool {
	for i, c := range o.children {
		if c == child {
			o.children = append(o.children[:i], o.children[i+1:]...)
			break
		}
	}
	return o.backReference == nil && len(o.children) == 0
}

// transitionToDead removes the object from its parent's children list,
// empties its page list, closes its page source, and may cascade a
// deferred dead transition to the parent.
func (o *CowObject) transitionToDead() {
	o.mu.Lock()
	if o.lifeCycle == Dead {
		o.mu.Unlock()
		return
	}
	o.lifeCycle = Dead
	parent := o.parent
	source := o.pageSource
	pl := o.pageList
	o.mu.Unlock()

	pl.RemovePages(pagelist.Range{Start: 0, End: ^uint64(0)}, nil)
	if source != nil {
		_ = source.Close()
	}

	if parent != nil {
		parent.mu.Lock()
		shouldDie := parent.removeChildLocked(o)
		parent.mu.Unlock()
		if shouldDie {
			parent.transitionToDead()
		}
	}
}

// Children returns a snapshot of the object's current children.
func (o *CowObject) Children() []*CowObject {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*CowObject, len(o.children))
	copy(out, o.children)
	return out
}

// IsPagerBacked reports whether this object has any page-source at all.
func (o *CowObject) IsPagerBacked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pageSource != nil
}

// IsPagerPreserving reports whether this object's page-source preserves
// content (dirty-tracked) rather than merely supplying it.
func (o *CowObject) IsPagerPreserving() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pageSource != nil && o.pageSource.Kind() == pagesource.KindPagerProxy
}

// CanEvict reports whether the object has a pager-preserving source,
// making its Clean pages safe to drop (the pager can refill them).
func (o *CowObject) CanEvict() bool {
	return o.IsPagerPreserving()
}

// IsDiscardable reports whether the object is configured as discardable.
func (o *CowObject) IsDiscardable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options.Has(Discardable)
}

// validateInvariants re-checks the structural invariants that must hold
// after every public mutation. Called only from tests and as a
// programming aid; it is not on the hot path.
func (o *CowObject) validateInvariants() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.options.Has(Hidden) {
		if o.backReference != nil {
			return errors.New("vmobject: hidden node holds a back-reference")
		}
		if len(o.children) > 2 {
			return errors.New("vmobject: hidden node has more than two children")
		}
	}
	// A non-hidden node may have any number of non-hidden (slice or
	// SnapshotAtLeastOnWrite) children; nothing caps that count. A
	// bidirectional (plain Snapshot) child is the only kind that would need
	// capping at one, but creating one always converts this node itself
	// into Hidden first (see createSnapshotLocked), so a non-hidden node
	// with a bidirectional child can never exist to check for.
	if o.parentStartLimit > o.parentLimit || o.parentLimit > o.size {
		return errors.New("vmobject: parent_start_limit <= parent_limit <= size violated")
	}
	if o.pageSource != nil && o.pageSource.Kind() == pagesource.KindPagerProxy && o.parent != nil {
		return errors.New("vmobject: a preserving source implies no parent")
	}
	if atomic.LoadInt64(&o.highPriorityCount) < 0 {
		return errors.New("vmobject: negative high_priority_count")
	}
	return nil
}
