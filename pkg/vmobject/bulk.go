package vmobject

import (
	"context"

	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/rangechange"
)

// Resize implements both growth and shrink. Shrinking checks for pins in
// the removed tail, unmaps it, spuriously completes outstanding requests
// there, clips any interval straddling the new boundary, and drops
// content strictly above newSize. Growing appends a Dirty zero interval
// covering the newly visible tail when the object is pager-preserving.
func (o *CowObject) Resize(newSize uint64) error {
	if newSize%PageSize != 0 {
		return cowerr.New(cowerr.CodeInvalidArguments, "vmobject: size must be page aligned")
	}

	o.mu.Lock()
	oldSize := o.size
	preserving := o.pageSource != nil && o.IsPagerPreservingLocked()
	o.mu.Unlock()

	if newSize < oldSize {
		tail := pagelist.Range{Start: newSize, End: oldSize}
		pinned := false
		o.pageList.ForEveryPageInRange(tail, func(off uint64, slot pageslot.Slot) pagelist.Continuation {
			if slot.Kind == pageslot.KindPage && slot.Page.Pinned > 0 {
				pinned = true
				return pagelist.Stop
			}
			return pagelist.Next
		})
		if pinned {
			return ErrPinned
		}

		rangechange.Update(o, newSize, oldSize-newSize, rangechange.Unmap)
		o.InvalidateDirtyRequests(newSize, oldSize-newSize)

		if start, ok := o.pageList.Lookup(newSize - PageSize); ok && start.Kind == pageslot.KindIntervalStart {
			// The tail boundary falls inside an interval; clip it so the
			// remaining run still ends exactly at the new size.
			if preserving {
				o.pageList.ClipIntervalEnd(newSize, oldSize-newSize)
			}
		}
		o.pageList.RemovePages(tail, nil)

		o.mu.Lock()
		o.size = newSize
		if o.parentLimit > newSize {
			o.parentLimit = newSize
		}
		for _, c := range o.children {
			c.mu.Lock()
			if c.parentOffset+c.parentLimit > newSize {
				if c.parentOffset >= newSize {
					c.parentLimit = 0
				} else {
					c.parentLimit = newSize - c.parentOffset
				}
			}
			c.mu.Unlock()
		}
		o.mu.Unlock()
		return nil
	}

	if newSize > oldSize {
		o.mu.Lock()
		if o.rootParentOffset+newSize < o.rootParentOffset {
			o.mu.Unlock()
			return cowerr.New(cowerr.CodeOutOfRange, "vmobject: resize would overflow root_parent_offset")
		}
		o.size = newSize
		o.mu.Unlock()

		if preserving {
			o.pageList.AddZeroInterval(pagelist.Range{Start: oldSize, End: newSize}, pageslot.Dirty)
		}
	}

	return nil
}

// IsPagerPreservingLocked is IsPagerPreserving for callers that already
// hold o.mu; exported within the package for Resize's use.
func (o *CowObject) IsPagerPreservingLocked() bool {
	return o.pageSource != nil && o.pageSource.Kind() == pagesource.KindPagerProxy
}

// Commit ensures every offset in [offset, offset+length) has a page owned
// by o, allocating from alloc where needed. Returns the number of bytes
// successfully committed before the first unrecoverable error.
func (o *CowObject) Commit(ctx context.Context, offset, length uint64, alloc PhysicalAllocator) (uint64, error) {
	cursor := NewLookupCursor(o, offset, length, alloc)
	var committed uint64
	for !cursor.Done() {
		if _, _, err := cursor.RequireOwnedPage(ctx, false, length); err != nil {
			return committed, err
		}
		committed += PageSize
	}
	return committed, nil
}

// Pin increments the pin count of every page in [offset, offset+length);
// every offset must already hold a real page. Rolls back on any failure.
func (o *CowObject) Pin(offset, length uint64) error {
	r := pagelist.Range{Start: offset, End: offset + length}
	var pinned []uint64

	var failure error
	o.pageList.ForEveryPageAndGapInRange(r, func(off uint64, slot pageslot.Slot) pagelist.Continuation {
		if slot.Kind != pageslot.KindPage {
			failure = cowerr.New(cowerr.CodeBadState, "vmobject: pin requires every offset to already hold a page")
			return pagelist.Stop
		}
		if slot.Page.Pinned >= 1<<30 {
			failure = cowerr.New(cowerr.CodeOutOfRange, "vmobject: pin count saturated")
			return pagelist.Stop
		}
		slot.Page.Pinned++
		slot.Page.Dirty = pinnedDirtyState(o, slot)
		o.pageList.Insert(off, slot)
		pinned = append(pinned, off)
		return pagelist.Next
	}, func(pagelist.Range) pagelist.Continuation {
		failure = cowerr.New(cowerr.CodeBadState, "vmobject: pin requires every offset to already hold a page")
		return pagelist.Stop
	})

	if failure != nil {
		for _, off := range pinned {
			if slot, ok := o.pageList.Lookup(off); ok && slot.Kind == pageslot.KindPage {
				slot.Page.Pinned--
				o.pageList.Insert(off, slot)
			}
		}
		return failure
	}

	atomic_AddPinned(o, int64(len(pinned)))
	return nil
}

func pinnedDirtyState(o *CowObject, slot pageslot.Slot) pageslot.DirtyState {
	if o.IsPagerPreserving() {
		return pageslot.Dirty
	}
	return slot.Page.Dirty
}

func atomic_AddPinned(o *CowObject, delta int64) {
	o.mu.Lock()
	o.pinnedPageCount += delta
	o.mu.Unlock()
}

// Unpin decrements the pin count of every page in [offset, offset+length).
// allowGaps controls whether offsets with no page (rather than a pin
// underflow) are tolerated. Pages whose count reaches zero are moved to
// the pageable reclamation queue.
func (o *CowObject) Unpin(offset, length uint64, allowGaps bool, queues *reclaimQueues) error {
	r := pagelist.Range{Start: offset, End: offset + length}
	var unpinned int64

	var failure error
	o.pageList.ForEveryPageAndGapInRange(r, func(off uint64, slot pageslot.Slot) pagelist.Continuation {
		if slot.Kind != pageslot.KindPage || slot.Page.Pinned == 0 {
			if allowGaps {
				return pagelist.Next
			}
			failure = cowerr.New(cowerr.CodeBadState, "vmobject: unpin underflow")
			return pagelist.Stop
		}
		slot.Page.Pinned--
		o.pageList.Insert(off, slot)
		unpinned++
		if slot.Page.Pinned == 0 && queues != nil {
			queues.pushPageable(o.id, off, slot.Page.Frame)
		}
		return pagelist.Next
	}, func(pagelist.Range) pagelist.Continuation {
		if allowGaps {
			return pagelist.Next
		}
		failure = cowerr.New(cowerr.CodeBadState, "vmobject: unpin over an offset with no page")
		return pagelist.Stop
	})
	if failure != nil {
		return failure
	}
	atomic_AddPinned(o, -unpinned)
	return nil
}

// reclaimQueues is the narrow slice of *reclaim.Queues bulk operations
// need, kept as an interface so this file doesn't import reclaim just for
// its push method name.
type reclaimQueues struct {
	pushPageable func(owner string, offset uint64, frame pageslot.PagePtr)
}

// Decommit removes pages in [offset, offset+length). Forbidden when the
// object has a parent or a page-source.
func (o *CowObject) Decommit(offset, length uint64) error {
	o.mu.Lock()
	hasParent := o.parent != nil
	hasSource := o.pageSource != nil
	o.mu.Unlock()
	if hasParent || hasSource {
		return cowerr.New(cowerr.CodeNotSupported, "vmobject: decommit requires no parent and no page source")
	}

	rangechange.Update(o, offset, length, rangechange.Unmap)
	o.pageList.RemovePages(pagelist.Range{Start: offset, End: offset + length}, nil)
	return nil
}

// ZeroPages zeroes [offset, offset+length), choosing the cheapest
// applicable strategy per slot: whole-range decommit when legal, a
// Marker where the parent still has content to shadow, an explicit
// zero-page write where it does not, or a zero-interval insertion for
// pager-preserving roots.
func (o *CowObject) ZeroPages(ctx context.Context, offset, length uint64, alloc PhysicalAllocator) error {
	o.mu.Lock()
	hasParent := o.parent != nil
	hasSource := o.pageSource != nil
	preserving := hasSource && o.IsPagerPreservingLocked()
	o.mu.Unlock()

	if !hasParent && !hasSource {
		return o.Decommit(offset, length)
	}

	if !hasParent && preserving {
		o.pageList.RemovePages(pagelist.Range{Start: offset, End: offset + length}, nil)
		o.pageList.AddZeroInterval(pagelist.Range{Start: offset, End: offset + length}, pageslot.Dirty)
		rangechange.Update(o, offset, length, rangechange.Unmap)
		return nil
	}

	o.mu.Lock()
	parent := o.parent
	o.mu.Unlock()
	hiddenParent := parent != nil && parent.options.Has(Hidden)

	end := offset + length
	for off := offset; off < end; off += PageSize {
		if hiddenParent {
			res := resolveContent(o, off)
			if res.present && res.owner != o && res.slot.IsPageOrReference() {
				if err := forkPageAsZero(res.owner, o, res.ownerOffset, off, alloc); err != nil {
					return err
				}
				continue
			}
		}
		if o.HasParentContent(off) {
			o.pageList.Insert(off, pageslot.Marker())
			continue
		}
		fresh, err := alloc.Allocate()
		if err != nil {
			return cowerr.Wrap(err, cowerr.CodeOutOfMemory, "vmobject: allocating explicit zero page")
		}
		alloc.ZeroFill(fresh)
		slot := pageslot.NewPage(fresh)
		if preserving {
			slot.Page.Dirty = pageslot.Dirty
		}
		o.pageList.Insert(off, slot)
	}
	rangechange.Update(o, offset, length, rangechange.Unmap)
	return nil
}

// SupplyPages pops one slot per offset in [offset, offset+length) from
// splice, installing it (or a Marker if the popped slot was Empty) and
// notifying the page-source of each contiguous run actually inserted.
// Newly supplied real pages start Clean.
func (o *CowObject) SupplyPages(offset, length uint64, splice *pagelist.SpliceList) error {
	end := offset + length
	runStart := offset
	runLen := uint64(0)

	flush := func(end uint64) {
		if runLen == 0 || o.pageSource == nil {
			return
		}
		o.pageSource.OnPagesSupplied(runStart, runLen)
	}

	for off := offset; off < end; off += PageSize {
		pair, ok := splice.Pop()
		if !ok {
			return cowerr.New(cowerr.CodeInvalidArguments, "vmobject: splice list exhausted before range end")
		}
		slot := pair.Slot
		if slot.Kind == pageslot.KindEmpty {
			slot = pageslot.Marker()
		}
		if slot.Kind == pageslot.KindPage {
			slot.Page.Dirty = pageslot.Clean
		}
		o.pageList.Insert(off, slot)

		if runLen == 0 {
			runStart = off
		}
		runLen += PageSize
	}
	flush(end)
	return nil
}

// TakePages moves slots out of [offset, offset+length) into a returned
// SpliceList, unmapping and, for an object with a parent or a page source,
// backfilling
// each taken offset with a freshly allocated zero page so the logical
// content of the object is preserved.
func (o *CowObject) TakePages(offset, length uint64, alloc PhysicalAllocator) (*pagelist.SpliceList, error) {
	o.mu.Lock()
	hasParent := o.parent != nil
	hasSource := o.pageSource != nil
	o.mu.Unlock()

	rangechange.Update(o, offset, length, rangechange.Unmap)

	if !hasParent && !hasSource {
		return o.pageList.TakePages(offset, length), nil
	}

	end := offset + length
	for off := offset; off < end; off += PageSize {
		if _, ok := o.pageList.Lookup(off); !ok {
			fresh, err := alloc.Allocate()
			if err != nil {
				return nil, cowerr.Wrap(err, cowerr.CodeOutOfMemory, "vmobject: backfilling zero page before take")
			}
			alloc.ZeroFill(fresh)
			o.pageList.Insert(off, pageslot.NewPage(fresh))
		}
	}

	taken := o.pageList.TakePages(offset, length)
	for off := offset; off < end; off += PageSize {
		fresh, err := alloc.Allocate()
		if err != nil {
			return nil, cowerr.Wrap(err, cowerr.CodeOutOfMemory, "vmobject: replacing taken page with zero")
		}
		alloc.ZeroFill(fresh)
		o.pageList.Insert(off, pageslot.NewPage(fresh))
	}
	return taken, nil
}

