package vmoctl

import (
	"sync"

	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/vmobject"
)

const pageSize = vmobject.PageSize

// memAllocator is a PhysicalAllocator over plain process memory, standing
// in for the out-of-scope physical page allocator so a debug session has
// somewhere real to fault pages into.
type memAllocator struct {
	mu    sync.Mutex
	next  pageslot.PagePtr
	bytes map[pageslot.PagePtr][]byte
}

func newMemAllocator() *memAllocator {
	return &memAllocator{bytes: make(map[pageslot.PagePtr][]byte)}
}

func (a *memAllocator) Allocate() (pageslot.PagePtr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	frame := a.next
	a.bytes[frame] = make([]byte, pageSize)
	return frame, nil
}

func (a *memAllocator) CopyPage(dst, src pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.bytes[dst], a.bytes[src])
}

func (a *memAllocator) WritePage(frame pageslot.PagePtr, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, pageSize)
	copy(buf, data)
	a.bytes[frame] = buf
}

func (a *memAllocator) ZeroFill(frame pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bytes[frame] = make([]byte, pageSize)
}

func (a *memAllocator) SharedZeroPage() pageslot.PagePtr { return 0 }

func (a *memAllocator) Free(frame pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bytes, frame)
}

var _ vmobject.PhysicalAllocator = (*memAllocator)(nil)
