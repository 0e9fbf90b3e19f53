package vmobject

import (
	"context"

	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/pageslot"
)

// LookupCursor is the single point through which faults, commit,
// read/write, zero-fill, and pin operations resolve content. It walks the
// parent chain to find the owner of an offset, lazily forking copies into
// the target and driving dirty-state transitions along the way.
type LookupCursor struct {
	target    *CowObject
	offset    uint64
	endOffset uint64
	alloc     PhysicalAllocator

	DisableZeroFork     bool
	DisableMarkAccessed bool
	AllocList           []pageslot.PagePtr
}

// NewLookupCursor constructs a cursor over target starting at offset, able
// to advance up to maxLen bytes.
func NewLookupCursor(target *CowObject, offset, maxLen uint64, alloc PhysicalAllocator) *LookupCursor {
	return &LookupCursor{target: target, offset: offset, endOffset: offset + maxLen, alloc: alloc}
}

// Offset returns the cursor's current position.
func (c *LookupCursor) Offset() uint64 { return c.offset }

// Done reports whether the cursor has reached its end offset.
func (c *LookupCursor) Done() bool { return c.offset >= c.endOffset }

func (c *LookupCursor) advance() { c.offset += PageSize }

func (c *LookupCursor) takeAllocListFrame() (pageslot.PagePtr, bool) {
	if len(c.AllocList) == 0 {
		return 0, false
	}
	frame := c.AllocList[0]
	c.AllocList = c.AllocList[1:]
	return frame, true
}

func (c *LookupCursor) allocateFrame() (pageslot.PagePtr, error) {
	if frame, ok := c.takeAllocListFrame(); ok {
		return frame, nil
	}
	return c.alloc.Allocate()
}

// resolved describes where content for an offset actually lives.
type resolved struct {
	owner       *CowObject
	ownerOffset uint64
	slot        pageslot.Slot
	present     bool
}

// resolveContent implements the parent-walk algorithm: starting at
// target/offset, ascend through parents while the offset remains within
// each node's visible parent window, stopping at the first node whose
// page-list holds a non-empty slot for the translated offset.
func resolveContent(target *CowObject, offset uint64) resolved {
	cur := target
	curOffset := offset

	for {
		cur.mu.Lock()
		parentLimit := cur.parentLimit
		parent := cur.parent
		parentOffset := cur.parentOffset
		cur.mu.Unlock()

		if curOffset >= parentLimit || parent == nil {
			break
		}

		parentAbs := parentOffset + curOffset
		parent.mu.Lock()
		parentSize := parent.size
		parent.mu.Unlock()
		if parentAbs >= parentSize {
			break
		}

		cur = parent
		curOffset = parentAbs

		if slot, ok := cur.pageList.Lookup(curOffset); ok {
			return resolved{owner: cur, ownerOffset: curOffset, slot: slot, present: true}
		}
	}

	slot, ok := cur.pageList.Lookup(curOffset)
	return resolved{owner: cur, ownerOffset: curOffset, slot: slot, present: ok}
}

// MaybePage returns a directly usable page frame if the current offset
// already has a ready page requiring no dirty transition and no COW, or
// false otherwise. Advances the cursor one page either way.
func (c *LookupCursor) MaybePage(willWrite bool) (pageslot.PagePtr, bool) {
	defer c.advance()

	slot, ok := c.target.pageList.Lookup(c.offset)
	if !ok || slot.Kind != pageslot.KindPage {
		return 0, false
	}
	if willWrite && c.target.IsPagerPreserving() && slot.Page.Dirty != pageslot.Dirty {
		return 0, false
	}
	return slot.Page.Frame, true
}

// IfExistPages collects up to max contiguous ready page frames starting at
// the cursor's current offset, stopping at the first slot that is not a
// directly usable page. The cursor is advanced by the number collected.
func (c *LookupCursor) IfExistPages(willWrite bool, max int) []pageslot.PagePtr {
	out := make([]pageslot.PagePtr, 0, max)
	for len(out) < max && !c.Done() {
		frame, ok := c.MaybePage(willWrite)
		if !ok {
			c.offset -= PageSize // MaybePage already advanced; undo on miss
			break
		}
		out = append(out, frame)
	}
	return out
}

// SkipMissingPages advances the cursor over a contiguous run of absent
// slots in the target's own page list, stopping at the first present
// slot (or end offset).
func (c *LookupCursor) SkipMissingPages() {
	for !c.Done() {
		if _, ok := c.target.pageList.Lookup(c.offset); ok {
			return
		}
		c.advance()
	}
}

// RequireReadPage guarantees a readable page at the cursor's current
// offset: the shared zero page for zero content, the page itself if
// already present anywhere in the parent chain, or a page-source read
// request if content is truly absent. Advances the cursor one page.
func (c *LookupCursor) RequireReadPage(ctx context.Context, maxBatch uint64) (pageslot.PagePtr, error) {
	defer c.advance()

	res := resolveContent(c.target, c.offset)
	if res.present && res.slot.Kind == pageslot.KindReference {
		return res.owner.decompressInto(res.ownerOffset, res, c.alloc)
	}
	if res.present && res.slot.IsPageOrReference() {
		return res.slot.Page.Frame, nil
	}
	if res.present && res.slot.IsZeroContent() {
		return c.alloc.SharedZeroPage(), nil
	}
	if !res.present && !c.target.IsPagerBacked() {
		return c.alloc.SharedZeroPage(), nil
	}

	source := c.target.pageSource
	if source == nil {
		return c.alloc.SharedZeroPage(), nil
	}
	req := pagesource.NewRequest(c.offset, minU64(maxBatch, PageSize), c.target.id)
	if err := source.GetPages(ctx, c.offset, req.Length, req); err != nil {
		return 0, err
	}
	if err := req.Wait(ctx); err != nil {
		return 0, err
	}
	slot, ok := c.target.pageList.Lookup(c.offset)
	if !ok || !slot.IsPageOrReference() {
		return 0, cowerr.New(cowerr.CodeBadState, "vmobject: page-source completed without supplying content")
	}
	return slot.Page.Frame, nil
}

// RequireOwnedPage guarantees a page belonging to target at the cursor's
// current offset, performing COW forking and dirty transitions as
// needed. Reports whether the returned page is writable without a further
// dirty transition. Advances the cursor one page.
func (c *LookupCursor) RequireOwnedPage(ctx context.Context, willWrite bool, maxBatch uint64) (pageslot.PagePtr, bool, error) {
	defer c.advance()
	return c.requireOwnedPageAt(ctx, c.offset, willWrite, maxBatch)
}

// requireOwnedPageAt is RequireOwnedPage's body, factored out so the
// decompress-then-retry step below can re-enter the decision without the
// cursor advancing twice.
func (c *LookupCursor) requireOwnedPageAt(ctx context.Context, offset uint64, willWrite bool, maxBatch uint64) (pageslot.PagePtr, bool, error) {
	target := c.target

	if local, ok := target.pageList.Lookup(offset); ok && local.Kind == pageslot.KindPage {
		if willWrite && target.IsPagerPreserving() && local.Page.Dirty != pageslot.Dirty {
			if err := target.requestDirty(ctx, offset); err != nil {
				return 0, false, err
			}
			local, _ = target.pageList.Lookup(offset)
		}
		return local.Page.Frame, !willWrite || !target.IsPagerPreserving() || local.Page.Dirty == pageslot.Dirty, nil
	}

	res := resolveContent(target, offset)

	if res.present && res.slot.Kind == pageslot.KindReference {
		if _, err := target.decompressInto(offset, res, c.alloc); err != nil {
			return 0, false, err
		}
		return c.requireOwnedPageAt(ctx, offset, willWrite, maxBatch)
	}

	if res.present && res.slot.IsPageOrReference() {
		if res.owner == target {
			return res.slot.Page.Frame, true, nil
		}
		if !c.DisableMarkAccessed {
			// mark-accessed bookkeeping is a hint to the (out-of-scope)
			// reclamation scanner; nothing to record locally.
		}
		if !res.owner.options.Has(Hidden) {
			fresh, err := c.allocateFrame()
			if err != nil {
				return 0, false, err
			}
			c.alloc.CopyPage(fresh, res.slot.Page.Frame)
			newSlot := pageslot.NewPage(fresh)
			target.pageList.Insert(offset, newSlot)
			return fresh, true, nil
		}
		frame, err := forkPageDown(res.owner, target, res.ownerOffset, offset, c.alloc)
		if err != nil {
			return 0, false, err
		}
		return frame, true, nil
	}

	if !res.present && target.IsPagerBacked() {
		source := target.pageSource
		req := pagesource.NewRequest(offset, minU64(maxBatch, PageSize), target.id)
		if err := source.GetPages(ctx, offset, req.Length, req); err != nil {
			return 0, false, err
		}
		if err := req.Wait(ctx); err != nil {
			return 0, false, err
		}
		if _, ok := target.pageList.Lookup(offset); !ok {
			return 0, false, cowerr.New(cowerr.CodeBadState, "vmobject: page-source completed without supplying content")
		}
		return c.requireOwnedPageAt(ctx, offset, willWrite, maxBatch)
	}

	// Zero content (marker, interval, or truly empty with no source).
	fresh, err := c.allocateFrame()
	if err != nil {
		return 0, false, err
	}
	c.alloc.ZeroFill(fresh)

	dirty := pageslot.Untracked
	writable := true
	if target.IsPagerPreserving() && willWrite {
		if target.pageSource.ShouldTrapDirtyTransitions() {
			if err := target.requestDirty(ctx, offset); err != nil {
				c.alloc.Free(fresh)
				return 0, false, err
			}
			dirty = pageslot.Dirty
		} else {
			dirty = pageslot.Dirty
		}
	} else if target.IsPagerPreserving() {
		dirty = pageslot.Clean
	}

	newSlot := pageslot.NewPage(fresh)
	newSlot.Page.Dirty = dirty
	target.pageList.Insert(offset, newSlot)
	return fresh, writable, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
