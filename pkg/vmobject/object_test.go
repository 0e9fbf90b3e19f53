package vmobject

import (
	"testing"

	"cowvmo/pkg/pagesource"
)

func newTestRoot(t *testing.T, size uint64) *CowObject {
	t.Helper()
	o, err := NewRoot(Config{Size: size})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return o
}

func TestNewRootRejectsUnalignedSize(t *testing.T) {
	if _, err := NewRoot(Config{Size: 100}); err == nil {
		t.Fatal("expected error for unaligned size")
	}
}

func TestNewRootStartsInInit(t *testing.T) {
	o := newTestRoot(t, PageSize)
	if o.LifeCycleState() != Init {
		t.Fatalf("expected Init, got %v", o.LifeCycleState())
	}
}

func TestAttachBackReferenceTransitionsToAlive(t *testing.T) {
	o := newTestRoot(t, PageSize)
	ref := &fakePagedRef{}
	if err := o.AttachBackReference(ref); err != nil {
		t.Fatalf("AttachBackReference: %v", err)
	}
	if o.LifeCycleState() != Alive {
		t.Fatalf("expected Alive, got %v", o.LifeCycleState())
	}
}

func TestAttachBackReferenceRejectsHidden(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.options |= Hidden
	if err := o.AttachBackReference(&fakePagedRef{}); err == nil {
		t.Fatal("expected error attaching to a hidden node")
	}
}

func TestDetachBackReferenceDiesWithNoChildren(t *testing.T) {
	o := newTestRoot(t, PageSize)
	if err := o.AttachBackReference(&fakePagedRef{}); err != nil {
		t.Fatalf("AttachBackReference: %v", err)
	}
	o.DetachBackReference()
	if o.LifeCycleState() != Dead {
		t.Fatalf("expected Dead, got %v", o.LifeCycleState())
	}
}

func TestDetachBackReferenceStaysAliveWithChildren(t *testing.T) {
	o := newTestRoot(t, PageSize)
	if err := o.AttachBackReference(&fakePagedRef{}); err != nil {
		t.Fatalf("AttachBackReference: %v", err)
	}
	o.mu.Lock()
	o.addChildLocked(&CowObject{id: "child", parent: o})
	o.mu.Unlock()

	o.DetachBackReference()
	if o.LifeCycleState() != Alive {
		t.Fatalf("expected Alive while children remain, got %v", o.LifeCycleState())
	}
}

func TestTransitionToDeadImmediateWithNoChildren(t *testing.T) {
	parent := newTestRoot(t, PageSize)
	if err := parent.AttachBackReference(&fakePagedRef{}); err != nil {
		t.Fatalf("AttachBackReference: %v", err)
	}
	parent.DetachBackReference() // no children yet: dies immediately
	if parent.LifeCycleState() != Dead {
		t.Fatalf("expected parent Dead with no children")
	}
}

func TestTransitionToDeadWaitsForChildRemoval(t *testing.T) {
	parent := newTestRoot(t, PageSize)
	if err := parent.AttachBackReference(&fakePagedRef{}); err != nil {
		t.Fatalf("AttachBackReference: %v", err)
	}
	child := &CowObject{id: "child", parent: parent, pageList: parent.pageList}
	parent.mu.Lock()
	parent.addChildLocked(child)
	parent.mu.Unlock()

	parent.DetachBackReference()
	if parent.LifeCycleState() != Alive {
		t.Fatalf("expected Alive with a live child")
	}

	child.transitionToDead()
	if parent.LifeCycleState() != Dead {
		t.Fatalf("expected parent Dead once its last child dies")
	}
}

func TestAddHighPriorityCountPropagatesToParent(t *testing.T) {
	parent := newTestRoot(t, PageSize)
	child := &CowObject{id: "child", parent: parent, pageList: parent.pageList}
	parent.mu.Lock()
	parent.addChildLocked(child)
	parent.mu.Unlock()

	child.AddHighPriorityCount(1)
	if !parent.IsHighPriority() {
		t.Fatal("expected parent to inherit high-priority count from child")
	}

	child.AddHighPriorityCount(-1)
	if parent.IsHighPriority() {
		t.Fatal("expected parent high-priority count to drop back to zero")
	}
}

func TestValidateInvariantsRejectsHiddenWithBackReference(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.options |= Hidden
	o.backReference = &fakePagedRef{}
	if err := o.validateInvariants(); err == nil {
		t.Fatal("expected invariant violation for hidden node with back-reference")
	}
}

func TestValidateInvariantsRejectsBadParentLimits(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.parentStartLimit = 2 * PageSize
	o.parentLimit = PageSize
	if err := o.validateInvariants(); err == nil {
		t.Fatal("expected invariant violation for parent_start_limit > parent_limit")
	}
}

func TestValidateInvariantsAllowsNonHiddenMultipleChildren(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.children = []*CowObject{{id: "a"}, {id: "b"}, {id: "c"}}
	if err := o.validateInvariants(); err != nil {
		t.Fatalf("expected multiple slice/uow children of a non-hidden node to be valid, got %v", err)
	}
}

func TestValidateInvariantsRejectsHiddenNodeWithMoreThanTwoChildren(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.options |= Hidden
	o.children = []*CowObject{{id: "a"}, {id: "b"}, {id: "c"}}
	if err := o.validateInvariants(); err == nil {
		t.Fatal("expected invariant violation for a hidden node with more than two children")
	}
}

func TestValidateInvariantsRejectsPreservingSourceWithParent(t *testing.T) {
	parent := newTestRoot(t, PageSize)
	child := &CowObject{
		id:         "child",
		parent:     parent,
		pageList:   parent.pageList,
		pageSource: &fakeSource{kind: pagesource.KindPagerProxy},
		size:       PageSize,
	}
	if err := child.validateInvariants(); err == nil {
		t.Fatal("expected invariant violation for a preserving source with a parent")
	}
}

// fakePagedRef is a minimal pagesource.PagedRef double recording
// range-change calls for assertions in other test files.
type fakePagedRef struct {
	updates []rangeChangeCall
}

type rangeChangeCall struct {
	offset, length uint64
	op             pagesource.RangeChangeOp
}

func (f *fakePagedRef) GetMappingCachePolicy() pagesource.CacheFlags { return 0 }

func (f *fakePagedRef) RangeChangeUpdate(offset, length uint64, op pagesource.RangeChangeOp) {
	f.updates = append(f.updates, rangeChangeCall{offset, length, op})
}

func (f *fakePagedRef) SetCowPagesReference(newCow interface{}) interface{} { return nil }

func (f *fakePagedRef) CanDedupZeroPages() bool { return true }

var _ pagesource.PagedRef = (*fakePagedRef)(nil)
