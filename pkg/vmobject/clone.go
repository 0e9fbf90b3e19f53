package vmobject

import (
	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/rangechange"
)

// CloneKind names the three ways a new cow-object can be derived from an
// existing one.
type CloneKind int

const (
	// CloneSnapshot is the bidirectional (hidden-parent) form: the
	// current object becomes hidden, gaining two children.
	CloneSnapshot CloneKind = iota
	// CloneSnapshotAtLeastOnWrite is the unidirectional form: the new
	// object is installed as a plain child of an ancestor.
	CloneSnapshotAtLeastOnWrite
	// CloneSlice aliases a sub-range of the parent without COW
	// semantics of its own.
	CloneSlice
)

// upgrade maps a requested clone kind to a compatible one given o's
// current configuration, so a caller asking for a weaker-but-compatible
// form never sees a surprise rejection. Only CloneSnapshot is ever
// downgraded (to CloneSnapshotAtLeastOnWrite) when true bidirectional
// cloning is unavailable but the object still advertises
// snapshot-on-write eligibility.
func (o *CowObject) upgrade(kind CloneKind) CloneKind {
	if kind != CloneSnapshot {
		return kind
	}
	if o.canSnapshot() {
		return CloneSnapshot
	}
	if o.options.Has(SnapshotEligible) {
		return CloneSnapshotAtLeastOnWrite
	}
	return kind
}

func (o *CowObject) canSnapshot() bool {
	if o.pinnedPageCount > 0 {
		return false
	}
	if o.pageSource != nil && o.IsPagerPreserving() {
		return false
	}
	if o.options.Has(Slice) {
		return false
	}
	return true
}

// CreateClone derives a new cow-object from o covering [offset, offset+length)
// of o's own offset space, using the clone form kind (after applying the
// upgrade rule).
func (o *CowObject) CreateClone(kind CloneKind, offset, length uint64) (*CowObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	kind = o.upgrade(kind)

	switch kind {
	case CloneSnapshot:
		return o.createSnapshotLocked(offset, length)
	case CloneSnapshotAtLeastOnWrite:
		return o.createSnapshotAtLeastOnWriteLocked(offset, length)
	case CloneSlice:
		return o.createSliceLocked(offset, length)
	default:
		return nil, cowerr.New(cowerr.CodeInvalidArguments, "vmobject: unknown clone kind")
	}
}

// createSnapshotLocked implements the bidirectional snapshot: o is
// transformed in place into a hidden node that keeps the original page
// list and page source, gaining two new children that resolve content
// through it by parent-walk — a left child that takes over o's external
// identity (back-reference, attribution) and its pre-existing children,
// and a right child that is the caller's new clone over
// [offset, offset+length).
func (o *CowObject) createSnapshotLocked(offset, length uint64) (*CowObject, error) {
	if !o.canSnapshot() {
		return nil, ErrNotClonable
	}

	left := &CowObject{
		id:                newObjectID(),
		size:              o.size,
		parent:            o,
		parentOffset:      0,
		parentStartLimit:  0,
		parentLimit:       o.size,
		rootParentOffset:  o.rootParentOffset,
		pageList:          pagelist.New(),
		options:           o.options &^ Hidden,
		lifeCycle:         o.lifeCycle,
		budget:            o.budget,
		attributionUserID: o.attributionUserID,
		backReference:     o.backReference,
		highPriorityCount: o.highPriorityCount,
		reclamationCount:  o.reclamationCount,
	}

	right := &CowObject{
		id:               newObjectID(),
		size:             length,
		parent:           o,
		parentOffset:     offset,
		parentStartLimit: 0,
		parentLimit:      length,
		rootParentOffset: o.rootParentOffset + offset,
		pageList:         pagelist.New(),
		lifeCycle:        Init,
		budget:           o.budget,
	}

	existingChildren := o.children
	for _, c := range existingChildren {
		c.mu.Lock()
		c.parent = left
		c.mu.Unlock()
	}
	left.children = existingChildren

	o.children = []*CowObject{left, right}
	o.options |= Hidden
	o.backReference = nil
	o.budget = nil
	o.attributionUserID = ""
	o.highPriorityCount = 0
	o.reclamationCount = 0

	if left.backReference != nil {
		rangechange.Update(left, 0, left.size, rangechange.RemoveWrite)
	}

	return right, nil
}

// createSnapshotAtLeastOnWriteLocked walks up the parent chain from o,
// clipping the window as long as the walked range contains no pages or
// intervals, and installs the new clone as a plain child of the first
// ancestor found (or of o itself, if it already qualifies).
func (o *CowObject) createSnapshotAtLeastOnWriteLocked(offset, length uint64) (*CowObject, error) {
	if !o.options.Has(SnapshotEligible) {
		return nil, ErrNotClonable
	}

	host := o
	hostOffset := offset
	for host.parent != nil {
		r := pagelist.Range{Start: hostOffset, End: hostOffset + length}
		hasContent := false
		host.pageList.ForEveryPageInRange(r, func(uint64, pageslot.Slot) pagelist.Continuation {
			hasContent = true
			return pagelist.Stop
		})
		if hasContent {
			break
		}
		hostOffset += host.parentOffset
		host = host.parent
	}

	child := &CowObject{
		id:               newObjectID(),
		size:             length,
		parent:           host,
		parentOffset:     hostOffset,
		parentStartLimit: 0,
		parentLimit:      length,
		rootParentOffset: host.rootParentOffset + hostOffset,
		pageList:         pagelist.New(),
		lifeCycle:        Init,
		budget:           o.budget,
		options:          SnapshotEligible,
	}
	host.addChildLocked(child)
	return child, nil
}

// createSliceLocked builds a Slice child. Slice-of-slice is disallowed:
// if o is itself a slice, the request is re-homed on o's parent.
func (o *CowObject) createSliceLocked(offset, length uint64) (*CowObject, error) {
	if o.options.Has(Slice) {
		if o.parent == nil {
			return nil, ErrNotClonable
		}
		parent := o.parent
		parent.mu.Lock()
		defer parent.mu.Unlock()
		return parent.createSliceLocked(o.parentOffset+offset, length)
	}

	child := &CowObject{
		id:               newObjectID(),
		size:             length,
		parent:           o,
		parentOffset:     offset,
		parentStartLimit: 0,
		parentLimit:      length,
		rootParentOffset: o.rootParentOffset + offset,
		pageList:         pagelist.New(),
		lifeCycle:        Init,
		budget:           o.budget,
		options:          Slice,
	}
	o.addChildLocked(child)
	return child, nil
}
