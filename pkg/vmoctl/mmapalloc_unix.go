//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package vmoctl

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"cowvmo/pkg/pageslot"
	"cowvmo/pkg/vmobject"
)

// mmapAllocator is a PhysicalAllocator backed by a memory-mapped, growable
// file rather than plain process memory, so pages supplied through it
// persist past the session the way real physical frames back a
// pager-backed object. Frame 0 is never allocated (SharedZeroPage owns
// it), matching memAllocator's numbering.
type mmapAllocator struct {
	mu       sync.Mutex
	file     *os.File
	data     []byte
	capacity int64
	next     pageslot.PagePtr
}

// openMmapAllocator creates or truncates path and maps an initial region
// sized for at least pageCount pages (minimum 1).
func openMmapAllocator(path string, pageCount int) (*mmapAllocator, error) {
	if pageCount < 1 {
		pageCount = 1
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open mmap store: %w", err)
	}
	size := int64(pageCount+1) * int64(pageSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size mmap store: %w", err)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap store: %w", err)
	}
	return &mmapAllocator{file: f, data: data, capacity: size}, nil
}

// grow extends and remaps the backing file so frame fits, the same
// sync-before-unmap-before-remap sequence as MmapFile.Grow: a MAP_SHARED
// write can still be sitting in the kernel page cache, and unmapping
// before it syncs would risk losing it.
func (a *mmapAllocator) grow(frame pageslot.PagePtr) error {
	needed := int64(frame+1) * int64(pageSize)
	if needed <= a.capacity {
		return nil
	}
	if err := unix.Msync(a.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := syscall.Munmap(a.data); err != nil {
		return err
	}
	if err := a.file.Truncate(needed); err != nil {
		return err
	}
	data, err := syscall.Mmap(int(a.file.Fd()), 0, int(needed), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	a.data = data
	a.capacity = needed
	return nil
}

func (a *mmapAllocator) frameBytes(frame pageslot.PagePtr) []byte {
	off := int64(frame) * int64(pageSize)
	return a.data[off : off+int64(pageSize)]
}

func (a *mmapAllocator) Allocate() (pageslot.PagePtr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	if err := a.grow(a.next); err != nil {
		return 0, fmt.Errorf("mmap allocate: %w", err)
	}
	return a.next, nil
}

func (a *mmapAllocator) CopyPage(dst, src pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.frameBytes(dst), a.frameBytes(src))
}

func (a *mmapAllocator) WritePage(frame pageslot.PagePtr, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.frameBytes(frame)
	clear(buf)
	copy(buf, data)
}

func (a *mmapAllocator) ZeroFill(frame pageslot.PagePtr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.frameBytes(frame))
}

func (a *mmapAllocator) SharedZeroPage() pageslot.PagePtr { return 0 }

// Free leaves the frame's bytes in the mapping; the backing file is
// reclaimed whole on Close. A session-scoped debug allocator has no
// free list to return frames to.
func (a *mmapAllocator) Free(pageslot.PagePtr) {}

// Close flushes and unmaps the backing file.
func (a *mmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	if a.data != nil {
		if err := unix.Msync(a.data, unix.MS_SYNC); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := syscall.Munmap(a.data); err != nil && firstErr == nil {
			firstErr = err
		}
		a.data = nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.file = nil
	}
	return firstErr
}

var _ vmobject.PhysicalAllocator = (*mmapAllocator)(nil)
