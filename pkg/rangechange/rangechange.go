// Package rangechange implements breadth-first propagation of a range
// operation (unmap mappings, drop write permission, debug-unpin) down
// through a hierarchy of objects, stopping early at any node whose own
// content already fully covers the range (a descendant cannot see parent
// content where it already shadows it with its own).
package rangechange

// Op names the operation range-change propagation applies at each node it
// visits.
type Op int

const (
	// Unmap removes every mapping of the range.
	Unmap Op = iota
	// RemoveWrite drops write permission over the range without
	// unmapping it, used by the zero-page dedup protocol.
	RemoveWrite
	// DebugUnpin removes a debug-only pin over the range.
	DebugUnpin
)

func (op Op) String() string {
	switch op {
	case Unmap:
		return "Unmap"
	case RemoveWrite:
		return "RemoveWrite"
	case DebugUnpin:
		return "DebugUnpin"
	default:
		return "Op(unknown)"
	}
}

// ChildWindow describes one child's position in its parent's offset space,
// so a range expressed in the parent can be translated into the child's
// own offset space before being pushed onto the work list.
type ChildWindow struct {
	// Child is the node to visit next.
	Child Node
	// ParentOffset is where the child's window begins in the parent's
	// offset space.
	ParentOffset uint64
	// Length is the size of the child's window in the parent's offset
	// space.
	Length uint64
}

// Node is the subset of an object's behavior range-change propagation
// needs: apply the operation to its own external back-reference, report
// its children's windows, and report whether it already fully shadows a
// sub-range with local content (in which case that sub-range needs no
// further propagation). A future cow-object type implements this
// directly; this package never imports that type.
type Node interface {
	// ApplyLocal notifies this node's external back-reference (if any)
	// to apply op over (offset, length) in this node's own offset
	// space. A node with no back-reference treats this as a no-op.
	ApplyLocal(op Op, offset, length uint64)

	// Children returns this node's child windows, in no particular
	// order.
	Children() []ChildWindow

	// IsRangeCoveredByLocalContent reports whether this node holds its
	// own content (page, reference, or an explicit zero marker) across
	// the entire (offset, length) sub-range, making it safe to skip
	// propagating into this node entirely.
	IsRangeCoveredByLocalContent(offset, length uint64) bool
}

type workItem struct {
	node   Node
	offset uint64
	length uint64
}

// List is the queue range-change propagation walks breadth-first: push the
// root, then each popped node's children whose translated range is not
// already fully covered locally.
type List struct {
	items []workItem
}

// NewList creates an empty propagation queue.
func NewList() *List {
	return &List{}
}

func (l *List) push(n Node, offset, length uint64) {
	l.items = append(l.items, workItem{node: n, offset: offset, length: length})
}

func (l *List) pop() (workItem, bool) {
	if len(l.items) == 0 {
		return workItem{}, false
	}
	item := l.items[0]
	l.items = l.items[1:]
	return item, true
}

// Update propagates op over (offset, length) starting at root: root is
// always visited, then each child whose parent window intersects the
// range is visited in turn, with the range translated into the child's
// own offset space and clipped to the intersection, unless the child
// already covers that range with its own local content.
func Update(root Node, offset, length uint64, op Op) {
	if length == 0 {
		return
	}

	l := NewList()
	l.push(root, offset, length)

	for {
		item, ok := l.pop()
		if !ok {
			break
		}

		item.node.ApplyLocal(op, item.offset, item.length)

		for _, cw := range item.node.Children() {
			childOffset, childLength, intersects := intersect(item.offset, item.length, cw.ParentOffset, cw.Length)
			if !intersects {
				continue
			}
			// Translate into the child's own offset space.
			translated := childOffset - cw.ParentOffset
			if cw.Child.IsRangeCoveredByLocalContent(translated, childLength) {
				continue
			}
			l.push(cw.Child, translated, childLength)
		}
	}
}

// intersect computes the overlap of [aOff, aOff+aLen) and [bOff, bOff+bLen),
// returning it in the parent's offset space (aOff's space) along with
// whether any overlap exists.
func intersect(aOff, aLen, bOff, bLen uint64) (offset, length uint64, ok bool) {
	aEnd := aOff + aLen
	bEnd := bOff + bLen
	start := aOff
	if bOff > start {
		start = bOff
	}
	end := aEnd
	if bEnd < end {
		end = bEnd
	}
	if start >= end {
		return 0, 0, false
	}
	return start, end - start, true
}
