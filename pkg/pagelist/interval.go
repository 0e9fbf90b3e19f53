package pagelist

import "cowvmo/pkg/pageslot"

// findEnclosingInterval walks backward from offset's leaf looking for the
// nearest sentinel. If an IntervalStart is found before any IntervalEnd,
// offset lies inside that interval and its start offset is returned.
// Callers only invoke this after Lookup has already reported offset as
// absent, so offset is never itself a sentinel position.
func (l *PageList) findEnclosingInterval(offset uint64) (uint64, bool) {
	guard := l.epoch.enter()
	defer guard.leave()

	leaf := leafForOffset(l.getRoot(), offset)
	for leaf != nil {
		for i := len(leaf.entries) - 1; i >= 0; i-- {
			off := leaf.entries[i].offset
			if off >= offset {
				continue
			}
			switch leaf.entries[i].slot.Kind {
			case pageslot.KindIntervalStart:
				return off, true
			case pageslot.KindIntervalEnd, pageslot.KindIntervalSlot:
				return 0, false
			}
		}
		leaf = leaf.getPrev()
	}
	return 0, false
}

// intervalEnd returns the offset of the IntervalEnd sentinel matching the
// IntervalStart at startOff.
func (l *PageList) intervalEnd(startOff uint64) (uint64, bool) {
	var end uint64
	found := false
	l.ForEveryPageInRange(Range{Start: startOff + 1, End: ^uint64(0)}, func(offset uint64, slot pageslot.Slot) Continuation {
		if slot.Kind == pageslot.KindIntervalEnd {
			end = offset
			found = true
			return Stop
		}
		return Next
	})
	return end, found
}

// AddZeroInterval installs a fresh zero interval over r with the given
// dirty state. The range must be entirely free of existing slots; callers
// (resize growth, zero_pages on pager-preserving roots) are responsible
// for clearing it first.
func (l *PageList) AddZeroInterval(r Range, state pageslot.DirtyState) {
	l.set(r.Start, pageslot.NewIntervalStart(state))
	l.set(r.End, pageslot.NewIntervalEnd())
}

// ClipIntervalStart moves an interval's start sentinel forward by delta
// bytes, shrinking the interval from the left (used by resize shrink and
// by SplitInterval). The start sentinel's dirty state and
// awaiting-clean-length are preserved.
func (l *PageList) ClipIntervalStart(startOff, delta uint64) {
	slot, ok := l.Lookup(startOff)
	if !ok || slot.Kind != pageslot.KindIntervalStart {
		return
	}
	l.remove(startOff)
	l.set(startOff+delta, slot)
}

// ClipIntervalEnd moves an interval's end sentinel backward by delta
// bytes, shrinking the interval from the right.
func (l *PageList) ClipIntervalEnd(endOff, delta uint64) {
	slot, ok := l.Lookup(endOff)
	if !ok || slot.Kind != pageslot.KindIntervalEnd {
		return
	}
	l.remove(endOff)
	l.set(endOff-delta, slot)
}

// RemoveInterval deletes both sentinels of the interval starting at
// startOff, collapsing it entirely (used when a writeback or a resize
// consumes the whole run).
func (l *PageList) RemoveInterval(startOff uint64) {
	if end, ok := l.intervalEnd(startOff); ok {
		l.remove(end)
	}
	l.remove(startOff)
}

// splitIntervalAt carves offset out of the interval starting at startOff,
// leaving a left interval [startOff, offset), a single IntervalSlot
// sentinel at offset standing in for the allocated slot the caller
// requested, and a right interval [offset+pageSize, end).
func (l *PageList) splitIntervalAt(startOff, offset uint64) (pageslot.Slot, error) {
	startSlot, ok := l.Lookup(startOff)
	if !ok || startSlot.Kind != pageslot.KindIntervalStart {
		return pageslot.Slot{}, ErrInInterval
	}
	end, ok := l.intervalEnd(startOff)
	if !ok {
		return pageslot.Slot{}, ErrInInterval
	}

	l.remove(startOff)
	l.remove(end)

	if offset > startOff {
		l.set(startOff, startSlot)
		l.set(offset, pageslot.NewIntervalEnd())
	}
	if offset+pageSize < end {
		l.set(offset+pageSize, pageslot.NewIntervalStart(startSlot.Interval.DirtyState))
		l.set(end, pageslot.NewIntervalEnd())
	}

	slot := pageslot.Slot{Kind: pageslot.KindIntervalSlot}
	l.set(offset, slot)
	return slot, nil
}

// PopulateSlotsInInterval ensures every offset in r is free of any
// sentinel boundary, splitting the enclosing interval(s) at r's edges so
// that callers unaware of intervals (NoIntervals policy) can address the
// offsets inside r as ordinary absent slots.
func (l *PageList) PopulateSlotsInInterval(r Range) {
	if start, ok := l.findEnclosingInterval(r.Start); ok {
		end, ok := l.intervalEnd(start)
		if ok {
			l.clipIntervalToOutside(start, end, r)
		}
	} else if startSlot, ok := l.Lookup(r.Start); ok && startSlot.Kind == pageslot.KindIntervalStart {
		if end, ok := l.intervalEnd(r.Start); ok {
			l.clipIntervalToOutside(r.Start, end, r)
		}
	}
}

// clipIntervalToOutside removes the portion of interval [start,end) that
// overlaps r, re-sentinelling whatever remains outside r on either side.
func (l *PageList) clipIntervalToOutside(start, end uint64, r Range) {
	startSlot, ok := l.Lookup(start)
	if !ok {
		return
	}
	state := startSlot.Interval.DirtyState

	l.remove(start)
	l.remove(end)

	overlapStart := r.Start
	if overlapStart < start {
		overlapStart = start
	}
	overlapEnd := r.End
	if overlapEnd > end {
		overlapEnd = end
	}

	if overlapStart > start {
		l.set(start, pageslot.NewIntervalStart(state))
		l.set(overlapStart, pageslot.NewIntervalEnd())
	}
	if overlapEnd < end {
		l.set(overlapEnd, pageslot.NewIntervalStart(state))
		l.set(end, pageslot.NewIntervalEnd())
	}
}

// ReplacePageWithZeroInterval converts whatever is at off (a Page,
// Reference, or Marker) into a single-page zero interval carrying state,
// used when zeroing a range of a pager-preserving object.
func (l *PageList) ReplacePageWithZeroInterval(off uint64, state pageslot.DirtyState) {
	l.remove(off)
	l.AddZeroInterval(Range{Start: off, End: off + pageSize}, state)
}
