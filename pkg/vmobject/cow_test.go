package vmobject

import (
	"testing"

	"cowvmo/pkg/pageslot"
)

// buildHiddenPair creates a root, snapshots it, and returns the hidden
// node along with its left (original) and right (new) children, with a
// page already owned by the hidden node at offset 0.
func buildHiddenPair(t *testing.T) (hidden, left, right *CowObject) {
	t.Helper()
	root := newTestRoot(t, PageSize)
	root.pageList.Insert(0, pageslot.NewPage(3))

	clone, err := root.CreateClone(CloneSnapshot, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	hidden = root
	left = hidden.Children()[0]
	right = clone
	return hidden, left, right
}

func TestForkPageDownMigratesWhenSiblingWindowDoesNotReach(t *testing.T) {
	hidden, left, right := buildHiddenPair(t)
	// Narrow the sibling's window so it can no longer see offset 0,
	// making a straight migration into left legal without duplication.
	right.mu.Lock()
	right.parentLimit = 0
	right.mu.Unlock()

	alloc := newFakeAllocator()
	frame, err := forkPageDown(hidden, left, 0, 0, alloc)
	if err != nil {
		t.Fatalf("forkPageDown: %v", err)
	}
	if frame != 3 {
		t.Fatalf("expected migrated frame 3, got %d", frame)
	}
	if _, ok := hidden.pageList.Lookup(0); ok {
		t.Fatal("expected hidden node's content to be removed after migration")
	}
	if got, ok := left.pageList.Lookup(0); !ok || got.Page.Frame != 3 {
		t.Fatalf("expected left to now own frame 3, got %+v ok=%v", got, ok)
	}
}

func TestForkPageDownCopiesWhenSiblingCanStillSeeIt(t *testing.T) {
	// By construction, a fresh snapshot clone's window covers the whole
	// cloned length, so the sibling can still see offset 0 and forking
	// into left must duplicate rather than migrate.
	hidden, left, _ := buildHiddenPair(t)

	alloc := newFakeAllocator()
	frame, err := forkPageDown(hidden, left, 0, 0, alloc)
	if err != nil {
		t.Fatalf("forkPageDown: %v", err)
	}
	if frame == 3 {
		t.Fatal("expected a fresh copy, not the original frame, since the sibling can still see it")
	}
	original, ok := hidden.pageList.Lookup(0)
	if !ok {
		t.Fatal("expected the original page to remain at the hidden node")
	}
	if original.SplitBits()&direction(hidden, left) == 0 {
		t.Fatal("expected the left direction's split bit to be set on the original")
	}
}

func TestForkPageAsZeroInstallsMarkerAndFreesWhenUniAccessible(t *testing.T) {
	hidden, left, right := buildHiddenPair(t)
	right.mu.Lock()
	right.parentLimit = 0
	right.mu.Unlock()
	alloc := newFakeAllocator()

	if err := forkPageAsZero(hidden, left, 0, 0, alloc); err != nil {
		t.Fatalf("forkPageAsZero: %v", err)
	}
	slot, ok := left.pageList.Lookup(0)
	if !ok || slot.Kind != pageslot.KindMarker {
		t.Fatalf("expected a marker installed in left, got %+v ok=%v", slot, ok)
	}
	if len(alloc.freed) != 1 || alloc.freed[0] != 3 {
		t.Fatalf("expected original frame 3 freed, got %v", alloc.freed)
	}
}

func TestPathToAncestorErrorsWhenNotAnAncestor(t *testing.T) {
	a := newTestRoot(t, PageSize)
	b := newTestRoot(t, PageSize)
	if _, err := pathToAncestor(a, b); err == nil {
		t.Fatal("expected an error when hidden is not actually an ancestor of target")
	}
}
