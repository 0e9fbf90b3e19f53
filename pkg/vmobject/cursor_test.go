package vmobject

import (
	"context"
	"testing"

	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/pageslot"
)

func TestMaybePageReturnsLocalPage(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.pageList.Insert(0, pageslot.NewPage(5))

	cur := NewLookupCursor(o, 0, PageSize, newFakeAllocator())
	frame, ok := cur.MaybePage(false)
	if !ok || frame != 5 {
		t.Fatalf("expected page 5, got frame=%d ok=%v", frame, ok)
	}
	if cur.Offset() != PageSize {
		t.Fatalf("expected cursor to advance, got offset %d", cur.Offset())
	}
}

func TestMaybePageMissesOnAbsentSlot(t *testing.T) {
	o := newTestRoot(t, PageSize)
	cur := NewLookupCursor(o, 0, PageSize, newFakeAllocator())
	if _, ok := cur.MaybePage(false); ok {
		t.Fatal("expected miss on absent slot")
	}
}

func TestIfExistPagesStopsAtFirstMiss(t *testing.T) {
	o := newTestRoot(t, 3*PageSize)
	o.pageList.Insert(0, pageslot.NewPage(1))
	o.pageList.Insert(2*PageSize, pageslot.NewPage(3))

	cur := NewLookupCursor(o, 0, 3*PageSize, newFakeAllocator())
	frames := cur.IfExistPages(false, 5)
	if len(frames) != 1 || frames[0] != 1 {
		t.Fatalf("expected exactly one frame collected, got %v", frames)
	}
	if cur.Offset() != PageSize {
		t.Fatalf("expected cursor positioned right after the collected page, got %d", cur.Offset())
	}
}

func TestSkipMissingPagesAdvancesToFirstPresent(t *testing.T) {
	o := newTestRoot(t, 3*PageSize)
	o.pageList.Insert(2*PageSize, pageslot.NewPage(9))

	cur := NewLookupCursor(o, 0, 3*PageSize, newFakeAllocator())
	cur.SkipMissingPages()
	if cur.Offset() != 2*PageSize {
		t.Fatalf("expected cursor at 2*PageSize, got %d", cur.Offset())
	}
}

func TestRequireReadPageReturnsSharedZeroForAnonymousGap(t *testing.T) {
	o := newTestRoot(t, PageSize)
	alloc := newFakeAllocator()
	cur := NewLookupCursor(o, 0, PageSize, alloc)

	frame, err := cur.RequireReadPage(context.Background(), PageSize)
	if err != nil {
		t.Fatalf("RequireReadPage: %v", err)
	}
	if frame != alloc.SharedZeroPage() {
		t.Fatalf("expected shared zero page, got %d", frame)
	}
}

func TestRequireReadPageFindsAncestorContent(t *testing.T) {
	parent := newTestRoot(t, PageSize)
	parent.pageList.Insert(0, pageslot.NewPage(11))
	child, err := parent.CreateClone(CloneSlice, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}

	cur := NewLookupCursor(child, 0, PageSize, newFakeAllocator())
	frame, err := cur.RequireReadPage(context.Background(), PageSize)
	if err != nil {
		t.Fatalf("RequireReadPage: %v", err)
	}
	if frame != 11 {
		t.Fatalf("expected to resolve parent's page 11, got %d", frame)
	}
}

func TestRequireOwnedPageCopiesFromNonHiddenAncestor(t *testing.T) {
	parent := newTestRoot(t, PageSize)
	parent.pageList.Insert(0, pageslot.NewPage(11))
	child, err := parent.CreateClone(CloneSlice, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}

	alloc := newFakeAllocator()
	cur := NewLookupCursor(child, 0, PageSize, alloc)
	frame, writable, err := cur.RequireOwnedPage(context.Background(), true, PageSize)
	if err != nil {
		t.Fatalf("RequireOwnedPage: %v", err)
	}
	if !writable {
		t.Fatal("expected owned page to be writable")
	}
	if frame == 11 {
		t.Fatal("expected a fresh copy, not the parent's original frame")
	}
	if _, ok := child.pageList.Lookup(0); !ok {
		t.Fatal("expected child to now own a local page")
	}
}

func TestRequireOwnedPageZeroFillsTrulyAbsentContent(t *testing.T) {
	o := newTestRoot(t, PageSize)
	alloc := newFakeAllocator()
	cur := NewLookupCursor(o, 0, PageSize, alloc)

	frame, writable, err := cur.RequireOwnedPage(context.Background(), false, PageSize)
	if err != nil {
		t.Fatalf("RequireOwnedPage: %v", err)
	}
	if !writable {
		t.Fatal("expected an anonymous object's zero-filled page to be writable")
	}
	if frame == 0 {
		t.Fatal("expected a real allocated frame, not the shared zero page")
	}
}

func TestRequireOwnedPageFetchesFromSourceBeforeZeroFillingAbsentContent(t *testing.T) {
	o := newTestRoot(t, PageSize)
	fetched := false
	o.pageSource = &fakeSource{
		kind: pagesource.KindPagerProxy,
		fillOnGetPages: func(offset, length uint64) {
			fetched = true
			o.pageList.Insert(offset, pageslot.NewPage(77))
		},
	}

	alloc := newFakeAllocator()
	cur := NewLookupCursor(o, 0, PageSize, alloc)
	frame, _, err := cur.RequireOwnedPage(context.Background(), true, PageSize)
	if err != nil {
		t.Fatalf("RequireOwnedPage: %v", err)
	}
	if !fetched {
		t.Fatal("expected a page-source read request for truly absent content before owning it")
	}
	if frame != 77 {
		t.Fatalf("expected the source-supplied frame 77, got %d", frame)
	}
}
