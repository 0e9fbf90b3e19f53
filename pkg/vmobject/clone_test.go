package vmobject

import (
	"testing"

	"cowvmo/pkg/pageslot"
)

func TestCreateSnapshotMakesOriginalHidden(t *testing.T) {
	o := newTestRoot(t, PageSize)
	if err := o.AttachBackReference(&fakePagedRef{}); err != nil {
		t.Fatalf("AttachBackReference: %v", err)
	}

	clone, err := o.CreateClone(CloneSnapshot, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	if !o.options.Has(Hidden) {
		t.Fatal("expected original object to become hidden")
	}
	if len(o.Children()) != 2 {
		t.Fatalf("expected hidden node to have two children, got %d", len(o.Children()))
	}
	if clone.options.Has(Hidden) {
		t.Fatal("expected the returned clone to not itself be hidden")
	}
	if o.backReference != nil {
		t.Fatal("expected hidden node to have no back-reference")
	}
}

func TestCreateSnapshotHiddenNodeRetainsContent(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.pageList.Insert(0, pageslot.NewPage(7))

	_, err := o.CreateClone(CloneSnapshot, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}

	got, ok := o.pageList.Lookup(0)
	if !ok || got.Page.Frame != 7 {
		t.Fatalf("expected hidden node to retain the original content, got %+v ok=%v", got, ok)
	}
	left := o.Children()[0]
	if _, ok := left.pageList.Lookup(0); ok {
		t.Fatal("expected left child to start with an empty page list, resolving content via parent-walk")
	}
}

func TestCreateSnapshotRefusedWhenPinned(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.pinnedPageCount = 1
	if _, err := o.CreateClone(CloneSnapshot, 0, PageSize); err != ErrNotClonable {
		t.Fatalf("expected ErrNotClonable, got %v", err)
	}
}

func TestUpgradeDowngradesToSnapshotAtLeastOnWrite(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.pinnedPageCount = 1
	o.options |= SnapshotEligible

	clone, err := o.CreateClone(CloneSnapshot, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	if clone.parent != o {
		t.Fatal("expected the downgraded clone to be installed as a plain child of o")
	}
	if o.options.Has(Hidden) {
		t.Fatal("expected o to remain non-hidden after a downgraded snapshot")
	}
}

func TestCreateSnapshotAtLeastOnWriteRejectsIneligible(t *testing.T) {
	o := newTestRoot(t, PageSize)
	if _, err := o.CreateClone(CloneSnapshotAtLeastOnWrite, 0, PageSize); err != ErrNotClonable {
		t.Fatalf("expected ErrNotClonable, got %v", err)
	}
}

func TestCreateSnapshotAtLeastOnWriteWalksToAncestorWithNoContent(t *testing.T) {
	root := newTestRoot(t, 2*PageSize)
	root.options |= SnapshotEligible

	mid, err := root.CreateClone(CloneSlice, 0, PageSize)
	if err != nil {
		t.Fatalf("creating intermediate slice failed: %v", err)
	}
	mid.options |= SnapshotEligible

	clone, err := mid.CreateClone(CloneSnapshotAtLeastOnWrite, 0, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	if clone.parent != mid && clone.parent != root {
		t.Fatalf("expected clone installed on an ancestor in the chain, got parent id %s", clone.parent.id)
	}
}

func TestCreateSliceAliasesParentWindow(t *testing.T) {
	o := newTestRoot(t, 2*PageSize)
	slice, err := o.CreateClone(CloneSlice, PageSize, PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	if !slice.options.Has(Slice) {
		t.Fatal("expected Slice option set")
	}
	if slice.parentOffset != PageSize || slice.size != PageSize {
		t.Fatalf("unexpected slice window: offset=%d size=%d", slice.parentOffset, slice.size)
	}
}

func TestCreateSliceOfSliceRehomesOntoParent(t *testing.T) {
	o := newTestRoot(t, 3*PageSize)
	slice1, err := o.CreateClone(CloneSlice, PageSize, 2*PageSize)
	if err != nil {
		t.Fatalf("CreateClone (slice1): %v", err)
	}

	slice2, err := slice1.CreateClone(CloneSlice, PageSize, PageSize)
	if err != nil {
		t.Fatalf("CreateClone (slice2): %v", err)
	}
	if slice2.parent != o {
		t.Fatalf("expected slice-of-slice rehomed onto root, got parent id %s", slice2.parent.id)
	}
	if slice2.parentOffset != 2*PageSize {
		t.Fatalf("expected rehomed offset to compose both slice offsets, got %d", slice2.parentOffset)
	}
}

