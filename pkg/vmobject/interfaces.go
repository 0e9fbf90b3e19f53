package vmobject

import (
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/rangechange"
)

// ApplyLocal implements rangechange.Node: it notifies this object's
// external back-reference, if any, to apply op over [offset, offset+length)
// in this object's own offset space.
func (o *CowObject) ApplyLocal(op rangechange.Op, offset, length uint64) {
	o.mu.Lock()
	ref := o.backReference
	o.mu.Unlock()

	if ref == nil {
		return
	}
	var rcOp pagesource.RangeChangeOp
	switch op {
	case rangechange.Unmap:
		rcOp = pagesource.RangeChangeUnmap
	case rangechange.RemoveWrite:
		rcOp = pagesource.RangeChangeRemoveWrite
	case rangechange.DebugUnpin:
		rcOp = pagesource.RangeChangeDebugUnpin
	}
	ref.RangeChangeUpdate(offset, length, rcOp)
}

// Children implements rangechange.Node: each child's window in this
// object's offset space is [parentOffset, parentOffset+size).
func (o *CowObject) Children() []rangechange.ChildWindow {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]rangechange.ChildWindow, 0, len(o.children))
	for _, c := range o.children {
		out = append(out, rangechange.ChildWindow{
			Child:        c,
			ParentOffset: c.parentOffset,
			Length:       c.size,
		})
	}
	return out
}

// IsRangeCoveredByLocalContent implements rangechange.Node: a child fully
// shadows a parent's range wherever every offset in it already holds the
// child's own content (page, reference, or explicit marker/interval),
// since a child never looks at parent content it already shadows.
func (o *CowObject) IsRangeCoveredByLocalContent(offset, length uint64) bool {
	r := pagelist.Range{Start: offset, End: offset + length}
	covered := true
	o.pageList.ForEveryPageAndGapInRange(r,
		func(uint64, pageslot.Slot) pagelist.Continuation { return pagelist.Next },
		func(gap pagelist.Range) pagelist.Continuation {
			covered = false
			return pagelist.Stop
		},
	)
	return covered
}
