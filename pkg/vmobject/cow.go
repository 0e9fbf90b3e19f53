package vmobject

import (
	"cowvmo/pkg/cowerr"
	"cowvmo/pkg/pageslot"
)

// PhysicalAllocator is the seam the fault path and COW fork engine use
// instead of touching the (out-of-scope) physical page allocator
// directly: allocate a fresh frame, copy or zero-fill its bytes, and
// return the shared read-only zero page used by markers and empty
// content.
type PhysicalAllocator interface {
	Allocate() (pageslot.PagePtr, error)
	CopyPage(dst, src pageslot.PagePtr)
	WritePage(frame pageslot.PagePtr, data []byte)
	ZeroFill(frame pageslot.PagePtr)
	SharedZeroPage() pageslot.PagePtr
	Free(frame pageslot.PagePtr)
}

func direction(parent, child *CowObject) pageslot.SplitBits {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for i, c := range parent.children {
		if c == child {
			if i == 0 {
				return pageslot.LeftSplit
			}
			return pageslot.RightSplit
		}
	}
	return pageslot.LeftSplit
}

func sibling(parent, child *CowObject) *CowObject {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for _, c := range parent.children {
		if c != child {
			return c
		}
	}
	return nil
}

// isUniAccessible reports whether the page at offsetInOwner (in ownerNode's
// offset space) may be migrated straight into next without being
// duplicated: either the opposite-direction split bit is already set
// (meaning the sibling already forked its own copy), or the sibling's own
// window doesn't reach this offset at all.
func isUniAccessible(ownerNode, next *CowObject, offsetInOwner uint64, slot pageslot.Slot) bool {
	dir := direction(ownerNode, next)
	opposite := pageslot.LeftSplit
	if dir == pageslot.LeftSplit {
		opposite = pageslot.RightSplit
	}
	if slot.SplitBits()&opposite != 0 {
		return true
	}

	sib := sibling(ownerNode, next)
	if sib == nil {
		return true
	}

	sib.mu.Lock()
	inWindow := true
	if offsetInOwner < sib.parentOffset {
		inWindow = false
	} else {
		local := offsetInOwner - sib.parentOffset
		if local < sib.parentStartLimit || local >= sib.parentLimit {
			inWindow = false
		}
	}
	sib.mu.Unlock()

	return !inWindow
}

// pathToAncestor returns the chain of nodes from just-below hidden down to
// (and including) target, in descent order. Returns an error if hidden is
// not actually an ancestor of target.
func pathToAncestor(target, hidden *CowObject) ([]*CowObject, error) {
	var reversed []*CowObject
	cur := target
	for cur != hidden {
		if cur == nil {
			return nil, cowerr.New(cowerr.CodeBadState, "vmobject: hidden node is not an ancestor of target")
		}
		reversed = append(reversed, cur)
		cur.mu.Lock()
		parent := cur.parent
		cur.mu.Unlock()
		cur = parent
	}
	chain := make([]*CowObject, len(reversed))
	for i, n := range reversed {
		chain[len(reversed)-1-i] = n
	}
	return chain, nil
}

// forkPageDown performs the COW fork algorithm: a page or reference owned
// by the hidden ancestor at hiddenOffset is migrated or copied step by
// step down the chain until it is visible (owned) in target, at
// targetOffset. Returns the final physical frame now owned by target.
func forkPageDown(hidden, target *CowObject, hiddenOffset, targetOffset uint64, alloc PhysicalAllocator) (pageslot.PagePtr, error) {
	chain, err := pathToAncestor(target, hidden)
	if err != nil {
		return 0, err
	}

	ownerNode := hidden
	ownerOffset := hiddenOffset
	slot, ok := hidden.pageList.Lookup(hiddenOffset)
	if !ok || !slot.IsPageOrReference() {
		return 0, cowerr.New(cowerr.CodeBadState, "vmobject: fork target has no owned page at the hidden ancestor")
	}

	for _, next := range chain {
		nextOffset := ownerOffset - next.parentOffset

		if isUniAccessible(ownerNode, next, ownerOffset, slot) {
			ownerNode.pageList.RemoveContent(ownerOffset)
			migrated := slot
			switch migrated.Kind {
			case pageslot.KindPage:
				migrated.Page.Split = 0
			case pageslot.KindReference:
				migrated.Reference.Split = 0
			}
			next.pageList.Insert(nextOffset, migrated)
			ownerNode, ownerOffset, slot = next, nextOffset, migrated
			continue
		}

		if slot.Kind == pageslot.KindReference {
			// Compressed content is immutable and cheaply shared: both
			// sides may hold the same handle without a byte copy.
			dupe := pageslot.NewReference(slot.Reference.Handle)
			next.pageList.Insert(nextOffset, dupe)
			dir := direction(ownerNode, next)
			updated := slot
			updated.Reference.Split |= dir
			ownerNode.pageList.Insert(ownerOffset, updated)
			ownerNode, ownerOffset, slot = next, nextOffset, dupe
			continue
		}

		fresh, err := alloc.Allocate()
		if err != nil {
			return 0, cowerr.Wrap(err, cowerr.CodeOutOfMemory, "vmobject: allocating COW fork copy")
		}
		alloc.CopyPage(fresh, slot.Page.Frame)

		dir := direction(ownerNode, next)
		updated := slot
		updated.Page.Split |= dir
		ownerNode.pageList.Insert(ownerOffset, updated)

		newSlot := pageslot.NewPage(fresh)
		next.pageList.Insert(nextOffset, newSlot)
		ownerNode, ownerOffset, slot = next, nextOffset, newSlot
	}

	_ = targetOffset
	if slot.Kind == pageslot.KindReference {
		return 0, cowerr.New(cowerr.CodeBadState, "vmobject: fork landed on a reference, caller must decompress")
	}
	return slot.Page.Frame, nil
}

// forkPageAsZero implements the zero-fork variant of forkPageDown: it walks
// the same chain down to just above target, but instead of installing a
// real page copy in target it installs a Marker, saving a page allocation
// for content the caller already knows will read as zero there. When the
// final hop is uni-accessible — the original page is not reachable from
// any other descendant — the original frame is freed outright rather than
// migrated, since nothing still needs it.
func forkPageAsZero(hidden, target *CowObject, hiddenOffset, targetOffset uint64, alloc PhysicalAllocator) error {
	chain, err := pathToAncestor(target, hidden)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return cowerr.New(cowerr.CodeInvalidArguments, "vmobject: target must be a strict descendant of hidden")
	}

	ownerNode := hidden
	ownerOffset := hiddenOffset
	slot, ok := hidden.pageList.Lookup(hiddenOffset)
	if !ok || !slot.IsPageOrReference() {
		return cowerr.New(cowerr.CodeBadState, "vmobject: zero-fork target has no owned page at the hidden ancestor")
	}

	for i, next := range chain {
		last := i == len(chain)-1
		nextOffset := ownerOffset - next.parentOffset
		uni := isUniAccessible(ownerNode, next, ownerOffset, slot)

		if last {
			if uni {
				ownerNode.pageList.RemoveContent(ownerOffset)
				if slot.Kind == pageslot.KindPage {
					alloc.Free(slot.Page.Frame)
				}
			}
			next.pageList.Insert(nextOffset, pageslot.Marker())
			return nil
		}

		if uni {
			ownerNode.pageList.RemoveContent(ownerOffset)
			migrated := slot
			switch migrated.Kind {
			case pageslot.KindPage:
				migrated.Page.Split = 0
			case pageslot.KindReference:
				migrated.Reference.Split = 0
			}
			next.pageList.Insert(nextOffset, migrated)
			ownerNode, ownerOffset, slot = next, nextOffset, migrated
			continue
		}

		dir := direction(ownerNode, next)
		switch slot.Kind {
		case pageslot.KindReference:
			dupe := pageslot.NewReference(slot.Reference.Handle)
			next.pageList.Insert(nextOffset, dupe)
			updated := slot
			updated.Reference.Split |= dir
			ownerNode.pageList.Insert(ownerOffset, updated)
			ownerNode, ownerOffset, slot = next, nextOffset, dupe
		default:
			fresh, err := alloc.Allocate()
			if err != nil {
				return cowerr.Wrap(err, cowerr.CodeOutOfMemory, "vmobject: allocating COW fork copy")
			}
			alloc.CopyPage(fresh, slot.Page.Frame)
			updated := slot
			updated.Page.Split |= dir
			ownerNode.pageList.Insert(ownerOffset, updated)
			newSlot := pageslot.NewPage(fresh)
			next.pageList.Insert(nextOffset, newSlot)
			ownerNode, ownerOffset, slot = next, nextOffset, newSlot
		}
	}

	return nil
}
