package vmobject

import (
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/rangechange"
)

// IsFirstOffset implements reclaim.Target: offset zero is the sentinel
// whose reclamation triggers the whole-object discard decision.
func (o *CowObject) IsFirstOffset(offset uint64) bool {
	return offset == 0
}

// DiscardObject implements reclaim.Target: every page in the object is
// dropped and mappings are unmapped, the bulk form of what a per-page
// discard would do one slot at a time.
func (o *CowObject) DiscardObject() error {
	o.mu.Lock()
	size := o.size
	discardTracker := o.discardTracker
	o.mu.Unlock()

	o.pageList.RemovePages(pagelist.Range{Start: 0, End: size}, nil)
	rangechange.Update(o, 0, size, rangechange.Unmap)

	if discardTracker != nil {
		discardTracker.SetDiscarded()
	}
	return nil
}

// HasParentContent implements reclaim.Target: reports whether this
// object's parent chain has visible content at offset, used to decide
// whether a zero-compression result installs a Marker (parent still has
// something to shadow) or removes the slot entirely.
func (o *CowObject) HasParentContent(offset uint64) bool {
	o.mu.Lock()
	parent := o.parent
	parentOffset := o.parentOffset
	parentLimit := o.parentLimit
	o.mu.Unlock()

	if parent == nil || offset >= parentLimit {
		return false
	}
	if _, ok := parent.pageList.Lookup(parentOffset + offset); ok {
		return true
	}
	return resolveContent(parent, parentOffset+offset).present
}

// IsDedupEligible implements reclaim.Target: offset is a candidate for
// zero-page dedup when it is not pinned and, for dirty-tracked objects,
// currently Clean.
func (o *CowObject) IsDedupEligible(offset uint64) bool {
	slot, ok := o.pageList.Lookup(offset)
	if !ok || slot.Kind != pageslot.KindPage {
		return false
	}
	if slot.Page.Pinned > 0 {
		return false
	}
	if o.IsPagerPreserving() && slot.Page.Dirty != pageslot.Clean {
		return false
	}
	return true
}

// RemoveWriteMappings implements reclaim.Target: drops write permission
// over one page at offset across this object's mapping and its
// descendants, the first half of the dedup protocol's remove-then-rescan
// sequence.
func (o *CowObject) RemoveWriteMappings(offset uint64) {
	rangechange.Update(o, offset, PageSize, rangechange.RemoveWrite)
}
