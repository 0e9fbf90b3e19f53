package vmobject

import (
	"context"
	"sync"

	"cowvmo/pkg/pagesource"
	"cowvmo/pkg/pageslot"
)

// fakeAllocator hands out monotonically increasing frame numbers and
// records each frame's bytes so CopyPage/ZeroFill/WritePage can be
// observed by tests.
type fakeAllocator struct {
	mu     sync.Mutex
	next   pageslot.PagePtr
	bytes  map[pageslot.PagePtr][]byte
	freed  []pageslot.PagePtr
	failOn pageslot.PagePtr
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 1, bytes: make(map[pageslot.PagePtr][]byte)}
}

func (a *fakeAllocator) Allocate() (pageslot.PagePtr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	frame := a.next
	a.bytes[frame] = make([]byte, PageSize)
	return frame, nil
}

func (a *fakeAllocator) CopyPage(dst, src pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.bytes[dst], a.bytes[src])
}

func (a *fakeAllocator) WritePage(frame pageslot.PagePtr, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, PageSize)
	copy(buf, data)
	a.bytes[frame] = buf
}

func (a *fakeAllocator) ZeroFill(frame pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bytes[frame] = make([]byte, PageSize)
}

func (a *fakeAllocator) SharedZeroPage() pageslot.PagePtr { return 0 }

func (a *fakeAllocator) Free(frame pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed = append(a.freed, frame)
	delete(a.bytes, frame)
}

// fakeSource is a minimal pagesource.Source double that completes every
// request synchronously and records what it was asked to do.
type fakeSource struct {
	kind            pagesource.Kind
	trapDirty       bool
	detached        bool
	suppliedRanges  [][2]uint64
	failedRanges    [][2]uint64
	getPagesErr     error
	dirtyErr        error
	fillOnGetPages  func(offset, length uint64)
}

func (s *fakeSource) Kind() pagesource.Kind { return s.kind }

func (s *fakeSource) GetPages(ctx context.Context, offset, length uint64, req *pagesource.Request) error {
	if s.getPagesErr != nil {
		return s.getPagesErr
	}
	if s.fillOnGetPages != nil {
		s.fillOnGetPages(offset, length)
	}
	close(req.Done)
	return nil
}

func (s *fakeSource) RequestDirtyTransition(ctx context.Context, offset, length uint64, req *pagesource.Request) error {
	close(req.Done)
	return s.dirtyErr
}

func (s *fakeSource) OnPagesSupplied(offset, length uint64) {
	s.suppliedRanges = append(s.suppliedRanges, [2]uint64{offset, length})
}

func (s *fakeSource) OnPagesDirtied(offset, length uint64) {}

func (s *fakeSource) OnPagesFailed(offset, length uint64, status error) {
	s.failedRanges = append(s.failedRanges, [2]uint64{offset, length})
}

func (s *fakeSource) ShouldTrapDirtyTransitions() bool { return s.trapDirty }

func (s *fakeSource) DebugIsPageOk(page uintptr, offset uint64) bool { return true }

func (s *fakeSource) IsDetached() bool { return s.detached }

func (s *fakeSource) Detach() { s.detached = true }

func (s *fakeSource) Close() error { return nil }

var _ pagesource.Source = (*fakeSource)(nil)
