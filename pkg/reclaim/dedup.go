package reclaim

import (
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pageslot"
)

// DedupZeroPage implements the optimistic zero-page dedup described for
// anonymous and pager-backed content: a racy byte-scan finds the page all
// zero, write permission is dropped so no concurrent writer can dirty it,
// a second scan confirms it is still zero and still the same frame, and
// only then is it replaced with a Marker. Returns false with no error if
// the page was not a dedup candidate or failed either scan; that is the
// expected, non-exceptional outcome of the optimistic check.
func DedupZeroPage(pl *pagelist.PageList, offset uint64, target Target, read PageReader, freed *FreedList) (bool, error) {
	if target.IsHighPriority() {
		return false, nil
	}
	if !target.IsDedupEligible(offset) {
		return false, nil
	}

	slot, ok := pl.Lookup(offset)
	if !ok || slot.Kind != pageslot.KindPage {
		return false, nil
	}
	if !isAllZero(read.ReadPage(slot.Page.Frame)) {
		return false, nil
	}

	target.RemoveWriteMappings(offset)

	current, ok := pl.Lookup(offset)
	if !ok || current.Kind != pageslot.KindPage || current.Page.Frame != slot.Page.Frame {
		return false, nil
	}
	if !isAllZero(read.ReadPage(current.Page.Frame)) {
		return false, nil
	}

	pl.Insert(offset, pageslot.Marker())
	freed.Add(current.Page.Frame)
	return true, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
