package vmobject

import (
	"cowvmo/pkg/pagelist"
	"cowvmo/pkg/pageslot"
)

// Stats is a point-in-time snapshot of one object's page-list composition,
// the shape a metrics collector scrapes without holding o's lock for the
// whole walk.
type Stats struct {
	ID                string
	Size              uint64
	PinnedPageCount   int64
	HighPriority      bool
	ReclamationEvents int64
	LifeCycleState    LifeCycle
	AttributionUserID string

	CleanPages          int64
	DirtyPages          int64
	AwaitingCleanPages  int64
	ReferencePages      int64
	MarkerSlots         int64
}

// Stats walks o's own page list (not its descendants) and returns a
// snapshot of its composition alongside its lifecycle counters.
func (o *CowObject) Stats() Stats {
	o.mu.Lock()
	size := o.size
	id := o.id
	lifeCycle := o.lifeCycle
	attributionUserID := o.attributionUserID
	pageList := o.pageList
	o.mu.Unlock()

	s := Stats{
		ID:                id,
		Size:              size,
		PinnedPageCount:   o.PinnedPageCount(),
		HighPriority:      o.IsHighPriority(),
		ReclamationEvents: o.ReclamationEventCount(),
		LifeCycleState:    lifeCycle,
		AttributionUserID: attributionUserID,
	}

	r := pagelist.Range{Start: 0, End: size}
	pageList.ForEveryPageInRange(r, func(_ uint64, slot pageslot.Slot) pagelist.Continuation {
		switch slot.Kind {
		case pageslot.KindPage:
			switch slot.Page.Dirty {
			case pageslot.Dirty:
				s.DirtyPages++
			case pageslot.AwaitingClean:
				s.AwaitingCleanPages++
			default:
				s.CleanPages++
			}
		case pageslot.KindReference:
			s.ReferencePages++
		case pageslot.KindMarker:
			s.MarkerSlots++
		}
		return pagelist.Next
	})
	return s
}
