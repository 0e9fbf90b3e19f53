//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package vmoctl

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSessionWithMmapStorageSupplyThenFaultRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmoctl.store")
	s, err := NewSessionWithMmapStorage(path, 4)
	if err != nil {
		t.Fatalf("NewSessionWithMmapStorage: %v", err)
	}
	defer s.Close()

	if err := s.Create("root", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx := context.Background()
	if err := s.Supply(ctx, "root", 0, []byte("hello")); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	frame, err := s.Fault(ctx, "root", 0, false)
	if err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if frame == 0 {
		t.Fatal("expected a real frame, got the shared zero page")
	}
}

func TestMmapAllocatorGrowsPastInitialCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmoctl.store")
	a, err := openMmapAllocator(path, 1)
	if err != nil {
		t.Fatalf("openMmapAllocator: %v", err)
	}
	defer a.Close()

	var last uint64
	for i := 0; i < 8; i++ {
		frame, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		last = uint64(frame)
		a.WritePage(frame, []byte("frame content"))
	}
	if last < 8 {
		t.Fatalf("expected at least 8 allocations, last frame was %d", last)
	}
}
