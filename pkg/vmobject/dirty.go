package vmobject

import (
	"context"

	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/rangechange"
)

// requestDirty issues a dirty-transition request to the page-source for
// one page at offset and blocks until it completes, the synchronous half
// of the Clean/AwaitingClean → Dirty transition a write fault drives.
func (o *CowObject) requestDirty(ctx context.Context, offset uint64) error {
	if o.pageSource == nil {
		return nil
	}
	req := pagesource.NewRequest(offset, PageSize, o.id)
	if err := o.pageSource.RequestDirtyTransition(ctx, offset, PageSize, req); err != nil {
		return err
	}
	if err := req.Wait(ctx); err != nil {
		return err
	}
	if slot, ok := o.pageList.Lookup(offset); ok && slot.Kind == pageslot.KindPage {
		slot.Page.Dirty = pageslot.Dirty
		o.pageList.Insert(offset, slot)
	}
	return nil
}

// decompressInto replaces a KindReference slot at offset with a real page
// by asking the owning object's compressor to decompress it, updating the
// owning page-list in place. alloc supplies the fresh frame, since the
// physical allocator itself is out of scope for this engine.
func (o *CowObject) decompressInto(offset uint64, res resolved, alloc PhysicalAllocator) (pageslot.PagePtr, error) {
	owner := res.owner
	if owner.compressor == nil {
		return 0, cowerr.New(cowerr.CodeBadState, "vmobject: reference slot with no compressor configured")
	}
	data, err := owner.compressor.Decompress(pagesource.ReferenceHandle(res.slot.Reference.Handle))
	if err != nil {
		return 0, cowerr.Wrap(err, cowerr.CodeBadState, "vmobject: decompressing reference")
	}
	frame, err := alloc.Allocate()
	if err != nil {
		return 0, cowerr.Wrap(err, cowerr.CodeOutOfMemory, "vmobject: allocating decompressed page")
	}
	alloc.WritePage(frame, data)

	newSlot := pageslot.NewPage(frame)
	newSlot.Page.Split = res.slot.Reference.Split
	owner.pageList.Insert(res.ownerOffset, newSlot)
	return frame, nil
}

// WritebackBegin sets every Dirty page in [offset, offset+length) to
// AwaitingClean and removes write permission from any mapping. If
// isZeroRange, committed non-zero pages are left Dirty, since the pager
// has indicated intent to write back only the zero portions of the
// range.
func (o *CowObject) WritebackBegin(offset, length uint64, isZeroRange bool) {
	r := pagelist.Range{Start: offset, End: offset + length}
	o.pageList.ForEveryPageInRange(r, func(off uint64, slot pageslot.Slot) pagelist.Continuation {
		switch slot.Kind {
		case pageslot.KindPage:
			if slot.Page.Dirty != pageslot.Dirty {
				return pagelist.Next
			}
			if isZeroRange && !isSharedZero(slot) {
				return pagelist.Next
			}
			slot.Page.Dirty = pageslot.AwaitingClean
			o.pageList.Insert(off, slot)
		case pageslot.KindIntervalStart:
			if slot.Interval.DirtyState != pageslot.Dirty {
				return pagelist.Next
			}
			slot.Interval.DirtyState = pageslot.AwaitingClean
			if length > slot.Interval.AwaitingCleanLength {
				slot.Interval.AwaitingCleanLength = length
			}
			o.pageList.Insert(off, slot)
		}
		return pagelist.Next
	})
	rangechange.Update(o, offset, length, rangechange.RemoveWrite)
}

// isSharedZero is a placeholder predicate: the engine has no intrinsic way
// to tell a page's bytes are all-zero without reading them, so
// WritebackBegin's is_zero_range carve-out is approximated by treating no
// page as the zero portion: with isZeroRange set, every Dirty page stays
// Dirty (Dirty intervals still move to AwaitingClean). Kept as a narrow seam rather than threading a reader through every
// writeback call.
func isSharedZero(slot pageslot.Slot) bool { return false }

// WritebackEnd transitions AwaitingClean pages in [offset, offset+length)
// to Clean; intervals whose awaiting-clean length fully covers the range
// are removed entirely, partial ones are clipped at the start.
func (o *CowObject) WritebackEnd(offset, length uint64) {
	end := offset + length
	r := pagelist.Range{Start: offset, End: end}
	o.pageList.ForEveryPageInRange(r, func(off uint64, slot pageslot.Slot) pagelist.Continuation {
		switch slot.Kind {
		case pageslot.KindPage:
			if slot.Page.Dirty == pageslot.AwaitingClean {
				slot.Page.Dirty = pageslot.Clean
				o.pageList.Insert(off, slot)
			}
		case pageslot.KindIntervalStart:
			if slot.Interval.DirtyState != pageslot.AwaitingClean {
				return pagelist.Next
			}
			if slot.Interval.AwaitingCleanLength >= length {
				o.pageList.RemoveInterval(off)
			} else {
				o.pageList.ClipIntervalStart(off, slot.Interval.AwaitingCleanLength)
			}
		}
		return pagelist.Next
	})
}

// InvalidateDirtyRequests spuriously completes any outstanding dirty
// requests over [offset, offset+length), used by resize and detach so
// waiters don't block forever on content that is going away.
func (o *CowObject) InvalidateDirtyRequests(offset, length uint64) {
	if o.pageSource == nil {
		return
	}
	o.pageSource.OnPagesFailed(offset, length, cowerr.ErrDetached)
}
