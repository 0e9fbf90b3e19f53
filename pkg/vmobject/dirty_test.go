package vmobject

import (
	"context"
	"testing"

	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/pageslot"
)

func TestRequestDirtyMarksLocalSlotDirty(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.pageSource = &fakeSource{kind: pagesource.KindPagerProxy}
	o.pageList.Insert(0, pageslot.NewPage(4))

	if err := o.requestDirty(context.Background(), 0); err != nil {
		t.Fatalf("requestDirty: %v", err)
	}
	slot, _ := o.pageList.Lookup(0)
	if slot.Page.Dirty != pageslot.Dirty {
		t.Fatalf("expected Dirty, got %v", slot.Page.Dirty)
	}
}

func TestDecompressIntoInstallsRealPage(t *testing.T) {
	o := newTestRoot(t, PageSize)
	comp := newFakeCompressor()
	handle := comp.store([]byte("hello"))
	o.compressor = comp
	o.pageList.Insert(0, pageslot.NewReference(pageslot.ReferenceHandle(handle)))

	alloc := newFakeAllocator()
	slot, _ := o.pageList.Lookup(0)
	res := resolved{owner: o, ownerOffset: 0, slot: slot, present: true}

	frame, err := o.decompressInto(0, res, alloc)
	if err != nil {
		t.Fatalf("decompressInto: %v", err)
	}
	got, ok := o.pageList.Lookup(0)
	if !ok || got.Kind != pageslot.KindPage || got.Page.Frame != frame {
		t.Fatalf("expected a page slot with the decompressed frame installed, got %+v ok=%v", got, ok)
	}
}

func TestWritebackBeginTransitionsDirtyToAwaitingClean(t *testing.T) {
	o := newTestRoot(t, PageSize)
	slot := pageslot.NewPage(1)
	slot.Page.Dirty = pageslot.Dirty
	o.pageList.Insert(0, slot)

	o.WritebackBegin(0, PageSize, false)

	got, _ := o.pageList.Lookup(0)
	if got.Page.Dirty != pageslot.AwaitingClean {
		t.Fatalf("expected AwaitingClean, got %v", got.Page.Dirty)
	}
}

func TestWritebackEndTransitionsAwaitingCleanToClean(t *testing.T) {
	o := newTestRoot(t, PageSize)
	slot := pageslot.NewPage(1)
	slot.Page.Dirty = pageslot.AwaitingClean
	o.pageList.Insert(0, slot)

	o.WritebackEnd(0, PageSize)

	got, _ := o.pageList.Lookup(0)
	if got.Page.Dirty != pageslot.Clean {
		t.Fatalf("expected Clean, got %v", got.Page.Dirty)
	}
}

func TestInvalidateDirtyRequestsNotifiesSource(t *testing.T) {
	src := &fakeSource{}
	o := newTestRoot(t, PageSize)
	o.pageSource = src

	o.InvalidateDirtyRequests(0, PageSize)

	if len(src.failedRanges) != 1 || src.failedRanges[0] != [2]uint64{0, PageSize} {
		t.Fatalf("expected one failed range recorded, got %v", src.failedRanges)
	}
}

func TestInvalidateDirtyRequestsNoopWithoutSource(t *testing.T) {
	o := newTestRoot(t, PageSize)
	o.InvalidateDirtyRequests(0, PageSize) // must not panic
}

// fakeCompressor is a minimal pagesource.Compressor double that stores
// plain bytes under a handle with no actual compression.
type fakeCompressor struct {
	next  pagesource.ReferenceHandle
	store_ map[pagesource.ReferenceHandle][]byte
}

func newFakeCompressor() *fakeCompressor {
	return &fakeCompressor{store_: make(map[pagesource.ReferenceHandle][]byte)}
}

func (c *fakeCompressor) store(data []byte) pagesource.ReferenceHandle {
	c.next++
	c.store_[c.next] = data
	return c.next
}

func (c *fakeCompressor) Start(page []byte) pagesource.TempReference { return 0 }
func (c *fakeCompressor) Compress(ref pagesource.TempReference) (pagesource.CompressResult, pagesource.ReferenceHandle) {
	return pagesource.CompressResultReference, 0
}
func (c *fakeCompressor) MoveReference(ref pagesource.TempReference) ([]byte, bool) { return nil, false }
func (c *fakeCompressor) IsTempReference(handle pagesource.ReferenceHandle) bool    { return false }
func (c *fakeCompressor) Free(handle pagesource.ReferenceHandle)                    { delete(c.store_, handle) }
func (c *fakeCompressor) ReturnTempReference(ref pagesource.TempReference)          {}
func (c *fakeCompressor) Decompress(handle pagesource.ReferenceHandle) ([]byte, error) {
	return c.store_[handle], nil
}
func (c *fakeCompressor) Finalize(ref pagesource.TempReference) pagesource.ReferenceHandle { return 0 }

var _ pagesource.Compressor = (*fakeCompressor)(nil)
