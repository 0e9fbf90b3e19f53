package pagelist

import (
	"cowvmo/pkg/pageslot"
)

// Range is a half-open offset range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the length of the range in bytes (0 for an empty range).
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether offset lies within the range.
func (r Range) Contains(offset uint64) bool {
	return offset >= r.Start && offset < r.End
}

// Intersect returns the overlap of r and o, which may be empty (Start==End).
func (r Range) Intersect(o Range) Range {
	start := r.Start
	if o.Start > start {
		start = o.Start
	}
	end := r.End
	if o.End < end {
		end = o.End
	}
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}
}

// Empty reports whether the range holds no offsets.
func (r Range) Empty() bool { return r.End <= r.Start }

// leafForOffset descends from root to the leaf that would contain offset.
func leafForOffset(root *listNode, offset uint64) *listNode {
	if root == nil {
		return nil
	}
	node := root
	for !node.isLeaf {
		idx := node.findChildIndex(offset)
		child := node.getChild(idx)
		if child == nil {
			return nil
		}
		node = child
	}
	return node
}

// ForEveryPageInRange visits every present slot in [r.Start, r.End) in
// offset order, stopping early if fn returns Stop.
func (l *PageList) ForEveryPageInRange(r Range, fn func(offset uint64, slot pageslot.Slot) Continuation) {
	guard := l.epoch.enter()
	defer guard.leave()

	leaf := leafForOffset(l.getRoot(), r.Start)
	for leaf != nil {
		for _, e := range leaf.entries {
			if e.offset < r.Start {
				continue
			}
			if e.offset >= r.End {
				return
			}
			if fn(e.offset, e.slot) == Stop {
				return
			}
		}
		leaf = leaf.getNext()
	}
}

// ForEveryPageAndGapInRange visits both present slots and the gaps between
// them within [r.Start, r.End). gapFn is called with the half-open range
// of each run of absent offsets; pageFn is called for each present slot.
// Either callback may request Stop.
func (l *PageList) ForEveryPageAndGapInRange(r Range, pageFn func(offset uint64, slot pageslot.Slot) Continuation, gapFn func(gap Range) Continuation) {
	guard := l.epoch.enter()
	defer guard.leave()

	cursor := r.Start
	leaf := leafForOffset(l.getRoot(), r.Start)
	for leaf != nil {
		for _, e := range leaf.entries {
			off := e.offset
			if off < r.Start {
				continue
			}
			if off >= r.End {
				if cursor < r.End {
					if gapFn(Range{Start: cursor, End: r.End}) == Stop {
						return
					}
				}
				return
			}
			if off > cursor {
				if gapFn(Range{Start: cursor, End: off}) == Stop {
					return
				}
			}
			if pageFn(off, e.slot) == Stop {
				return
			}
			cursor = off + pageSize
		}
		leaf = leaf.getNext()
	}
	if cursor < r.End {
		gapFn(Range{Start: cursor, End: r.End})
	}
}

// ContiguousRun describes a maximal run of consecutive present offsets.
type ContiguousRun struct {
	Start uint64
	Slots []pageslot.Slot
}

// ForEveryPageAndContiguousRunInRange groups consecutive present offsets
// (offset, offset+pageSize, offset+2*pageSize, ...) into runs and visits
// each run once.
func (l *PageList) ForEveryPageAndContiguousRunInRange(r Range, fn func(run ContiguousRun) Continuation) {
	var run ContiguousRun
	flush := func() Continuation {
		if len(run.Slots) == 0 {
			return Next
		}
		c := fn(run)
		run = ContiguousRun{}
		return c
	}

	l.ForEveryPageAndGapInRange(r,
		func(offset uint64, slot pageslot.Slot) Continuation {
			if len(run.Slots) > 0 && run.Start+uint64(len(run.Slots))*pageSize != offset {
				if flush() == Stop {
					return Stop
				}
			}
			if len(run.Slots) == 0 {
				run.Start = offset
			}
			run.Slots = append(run.Slots, slot)
			return Next
		},
		func(gap Range) Continuation {
			return flush()
		},
	)
	flush()
}

// RemovePages removes every present slot in r, invoking fn with the
// removed (offset, slot) pairs. It is safe to call during an otherwise
// read-only traversal elsewhere since removal is a normal path-copied
// write.
func (l *PageList) RemovePages(r Range, fn func(offset uint64, slot pageslot.Slot)) {
	var toRemove []uint64
	l.ForEveryPageInRange(r, func(offset uint64, slot pageslot.Slot) Continuation {
		toRemove = append(toRemove, offset)
		if fn != nil {
			fn(offset, slot)
		}
		return Next
	})
	for _, off := range toRemove {
		l.remove(off)
	}
}

// RemovePagesAndIterateGaps removes present pages in r like RemovePages,
// additionally reporting the gaps that existed between them.
func (l *PageList) RemovePagesAndIterateGaps(r Range, pageFn func(offset uint64, slot pageslot.Slot), gapFn func(gap Range) Continuation) {
	var toRemove []uint64
	l.ForEveryPageAndGapInRange(r,
		func(offset uint64, slot pageslot.Slot) Continuation {
			toRemove = append(toRemove, offset)
			if pageFn != nil {
				pageFn(offset, slot)
			}
			return Next
		},
		gapFn,
	)
	for _, off := range toRemove {
		l.remove(off)
	}
}

// MergeFrom splices slots from src within srcRange into this list at
// dstOffset = offset - srcRange.Start + dstBase, removing them from src.
// Used when collapsing a hidden node's remaining content into a surviving
// child, or when a slice forwards content back to its parent.
func (l *PageList) MergeFrom(src *PageList, srcRange Range, dstBase uint64) {
	var entries []struct {
		off  uint64
		slot pageslot.Slot
	}
	src.ForEveryPageInRange(srcRange, func(offset uint64, slot pageslot.Slot) Continuation {
		entries = append(entries, struct {
			off  uint64
			slot pageslot.Slot
		}{offset, slot})
		return Next
	})
	for _, e := range entries {
		src.remove(e.off)
		l.set(dstBase+(e.off-srcRange.Start), e.slot)
	}
}

// MergeOnto is the mirror of MergeFrom: it moves this list's slots within
// srcRange onto dst at dstBase, emptying them from this list.
func (l *PageList) MergeOnto(dst *PageList, srcRange Range, dstBase uint64) {
	dst.MergeFrom(l, srcRange, dstBase)
}

// SplicePair is one (offset, slot) entry of a finalized splice sequence.
type SplicePair struct {
	Offset uint64
	Slot   pageslot.Slot
}

// SpliceList is a finalized, ordered sequence of (offset, slot) pairs with
// a current read position, produced by TakePages and consumed by supply
// operations that transfer content between objects.
type SpliceList struct {
	pairs []SplicePair
	pos   int
}

// Len returns the number of remaining unread pairs.
func (s *SpliceList) Len() int { return len(s.pairs) - s.pos }

// Pop returns the next pair and advances the read position, or false if
// exhausted.
func (s *SpliceList) Pop() (SplicePair, bool) {
	if s.pos >= len(s.pairs) {
		return SplicePair{}, false
	}
	p := s.pairs[s.pos]
	s.pos++
	return p, true
}

// TakePages removes every slot in [off, off+len) and returns them as a
// finalized SpliceList in offset order, relative offsets unchanged.
func (l *PageList) TakePages(off, length uint64) *SpliceList {
	r := Range{Start: off, End: off + length}
	sl := &SpliceList{}
	l.ForEveryPageInRange(r, func(offset uint64, slot pageslot.Slot) Continuation {
		sl.pairs = append(sl.pairs, SplicePair{Offset: offset, Slot: slot})
		return Next
	})
	for _, p := range sl.pairs {
		l.remove(p.Offset)
	}
	return sl
}
