// Package pagelist implements the sparse offset-to-slot map backing every
// page-aligned object: a copy-on-write B+ tree re-keyed from arbitrary
// []byte keys to page-aligned uint64 offsets and from arbitrary values to
// pageslot.Slot, keeping the same lock-free-read / path-copied write
// discipline as a versioned index.
package pagelist

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"cowvmo/pkg/pageslot"
)

// Continuation is returned by traversal callbacks to control iteration.
type Continuation int

const (
	// Next continues the traversal.
	Next Continuation = iota
	// Stop halts the traversal immediately.
	Stop
)

// pageSize is the distance between adjacent page-aligned offsets; every
// offset the list stores is a byte offset that is a multiple of it.
const pageSize uint64 = 4096

// IntervalPolicy controls how LookupOrAllocate behaves when the requested
// offset falls inside an existing zero interval.
type IntervalPolicy int

const (
	// NoIntervals means the list holds no intervals; any lookup
	// encountering one is a bug.
	NoIntervals IntervalPolicy = iota
	// CheckForInterval reports that the offset is inside an interval
	// without allocating or splitting it.
	CheckForInterval
	// SplitInterval splits the interval around the offset and returns a
	// freshly allocated interval-slot sentinel.
	SplitInterval
)

var (
	// ErrInInterval is returned by LookupOrAllocate under CheckForInterval
	// when the offset falls inside an interval.
	ErrInInterval = errors.New("pagelist: offset lies inside a zero interval")
	// ErrMisaligned is returned when an offset or length is not page
	// aligned.
	ErrMisaligned = errors.New("pagelist: offset or length is not page aligned")
)

// PageList is a sparse, offset-keyed map from page-aligned offset to
// pageslot.Slot, offering O(log n) point lookup and O(k) iteration over any
// range, with lock-free reads.
type PageList struct {
	root unsafe.Pointer // *listNode, atomically swapped

	writeMu sync.Mutex

	epoch *epochManager

	config nodeConfig

	count int64 // atomic: number of non-empty offsets present
}

// New creates an empty page list.
func New() *PageList {
	l := &PageList{epoch: newEpochManager(), config: defaultNodeConfig()}
	root := newLeafNode()
	atomic.StorePointer(&l.root, unsafe.Pointer(root))
	return l
}

func (l *PageList) getRoot() *listNode {
	ptr := atomic.LoadPointer(&l.root)
	if ptr == nil {
		return nil
	}
	return (*listNode)(ptr)
}

func (l *PageList) setRoot(n *listNode) {
	atomic.StorePointer(&l.root, unsafe.Pointer(n))
}

// Count returns the number of offsets currently present in the list.
func (l *PageList) Count() int64 {
	return atomic.LoadInt64(&l.count)
}

// Lookup returns the slot stored at offset, and whether one is present.
func (l *PageList) Lookup(offset uint64) (pageslot.Slot, bool) {
	guard := l.epoch.enter()
	defer guard.leave()

	node := l.getRoot()
	if node == nil {
		return pageslot.Slot{}, false
	}

	for !node.isLeaf {
		idx := node.findChildIndex(offset)
		child := node.getChild(idx)
		if child == nil {
			return pageslot.Slot{}, false
		}
		node = child
	}

	pos := node.findEntryPosition(offset)
	if pos < len(node.entries) && node.entries[pos].offset == offset {
		return node.entries[pos].slot, true
	}
	return pageslot.Slot{}, false
}

// insertRecursive performs path-copied insertion. Returns the replacement
// node, split info if the node was split, and whether a new offset was
// created (vs. an existing one overwritten).
type splitInfo struct {
	left      *listNode
	right     *listNode
	separator uint64
}

func (l *PageList) insertRecursive(node *listNode, offset uint64, slot pageslot.Slot) (*listNode, *splitInfo, bool) {
	if node.isLeaf {
		clone := node.clone()
		created := clone.upsert(offset, slot)
		if clone.isFull(l.config.maxEntries) {
			sep, right := clone.split()
			return clone, &splitInfo{left: clone, right: right, separator: sep}, created
		}
		return clone, nil, created
	}

	idx := node.findChildIndex(offset)
	child := node.getChild(idx)

	newChild, childSplit, created := l.insertRecursive(child, offset, slot)

	clone := node.clone()
	clone.setChild(idx, newChild)

	if childSplit != nil {
		clone.insertChild(childSplit.separator, childSplit.right)
		if clone.isFull(l.config.maxEntries) {
			sep, right := clone.split()
			return clone, &splitInfo{left: clone, right: right, separator: sep}, created
		}
	}

	return clone, nil, created
}

// set inserts or overwrites the slot at offset. Internal helper used by
// the higher-level offset-allocating operations below.
func (l *PageList) set(offset uint64, slot pageslot.Slot) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	old, existed := l.Lookup(offset)
	oldRoot := l.getRoot()
	newRoot, split, _ := l.insertRecursive(oldRoot, offset, slot)

	if split != nil {
		root := newInteriorNode()
		root.separators = []uint64{split.separator}
		root.children = []unsafe.Pointer{unsafe.Pointer(split.left), unsafe.Pointer(split.right)}
		newRoot = root
	}

	if oldRoot != nil && oldRoot != newRoot {
		l.epoch.retire(oldRoot)
	}
	l.setRoot(newRoot)
	// Overwriting an existing present slot with Empty removes it;
	// overwriting Empty with a present slot adds it. Plain
	// overwrite-with-same-presence is a no-op on count.
	wasPresent := existed && old.Kind != pageslot.KindEmpty
	isPresent := slot.Kind != pageslot.KindEmpty
	if isPresent && !wasPresent {
		atomic.AddInt64(&l.count, 1)
	} else if wasPresent && !isPresent {
		atomic.AddInt64(&l.count, -1)
	}

	l.epoch.advance()
	l.epoch.tryReclaim()
}

// LookupOrAllocate returns the slot at offset, allocating an Empty one if
// absent. If the offset falls within an existing zero interval, behavior
// is governed by policy (see IntervalPolicy).
func (l *PageList) LookupOrAllocate(offset uint64, policy IntervalPolicy) (pageslot.Slot, error) {
	if slot, ok := l.Lookup(offset); ok {
		return slot, nil
	}

	if policy != NoIntervals {
		if start, ok := l.findEnclosingInterval(offset); ok {
			switch policy {
			case CheckForInterval:
				return pageslot.Slot{}, ErrInInterval
			case SplitInterval:
				return l.splitIntervalAt(start, offset)
			}
		}
	}

	l.set(offset, pageslot.Empty())
	return pageslot.Empty(), nil
}

// ReturnEmptySlot deallocates a slot that was left Empty by
// LookupOrAllocate and never populated.
func (l *PageList) ReturnEmptySlot(offset uint64) {
	if slot, ok := l.Lookup(offset); ok && slot.Kind == pageslot.KindEmpty {
		l.remove(offset)
	}
}

// RemoveContent takes and returns the slot at offset, leaving nothing
// behind.
func (l *PageList) RemoveContent(offset uint64) (pageslot.Slot, bool) {
	slot, ok := l.Lookup(offset)
	if !ok {
		return pageslot.Slot{}, false
	}
	l.remove(offset)
	return slot, true
}

// Insert stores slot at offset unconditionally (used by supply/fault paths
// once the caller has already decided content belongs there).
func (l *PageList) Insert(offset uint64, slot pageslot.Slot) {
	l.set(offset, slot)
}

func (l *PageList) removeRecursive(node *listNode, offset uint64) (*listNode, bool) {
	if node.isLeaf {
		pos := node.findEntryPosition(offset)
		if pos >= len(node.entries) || node.entries[pos].offset != offset {
			return node, false
		}
		clone := node.clone()
		clone.removeAt(pos)
		return clone, true
	}

	idx := node.findChildIndex(offset)
	child := node.getChild(idx)
	if child == nil {
		return node, false
	}

	newChild, found := l.removeRecursive(child, offset)
	if !found {
		return node, false
	}

	clone := node.clone()
	clone.setChild(idx, newChild)
	// Underflow is tolerated rather than rebalanced: a lazy-delete choice
	// that trades node occupancy for simplicity.
	return clone, true
}

func (l *PageList) remove(offset uint64) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	old, _ := l.Lookup(offset)
	oldRoot := l.getRoot()
	newRoot, found := l.removeRecursive(oldRoot, offset)
	if !found {
		return
	}

	if newRoot != nil && !newRoot.isLeaf && newRoot.entryCount() == 0 && len(newRoot.children) > 0 {
		newRoot = newRoot.getChild(0)
	}

	l.epoch.retire(oldRoot)
	l.setRoot(newRoot)
	if old.Kind != pageslot.KindEmpty {
		atomic.AddInt64(&l.count, -1)
	}

	l.epoch.advance()
	l.epoch.tryReclaim()
}

// Close releases the list's epoch-reclamation resources, waiting for any
// in-flight readers to leave.
func (l *PageList) Close() {
	for l.epoch.activeReaderCount() > 0 {
		l.epoch.advance()
		l.epoch.tryReclaim()
	}
}
