package vmoctl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cowvmo/pkg/vmobject"
)

// Session is the named registry a debug/inspection tool drives: every
// object created or cloned during the session is kept under a caller-chosen
// name so later commands can refer back to it, the way turdb's REPL keeps
// one open *turdb.DB across statements.
type Session struct {
	mu      sync.Mutex
	objects map[string]*vmobject.CowObject
	alloc   vmobject.PhysicalAllocator
}

// NewSession returns an empty session with its own in-memory physical
// allocator.
func NewSession() *Session {
	return &Session{
		objects: make(map[string]*vmobject.CowObject),
		alloc:   newMemAllocator(),
	}
}

// NewSessionWithMmapStorage returns an empty session whose physical
// allocator is backed by a memory-mapped file at path instead of plain
// process memory, so supplied pages survive past the session the way a
// pager-backed object's frames would. pageCount sizes the initial mapping;
// it grows automatically as more frames are allocated.
func NewSessionWithMmapStorage(path string, pageCount int) (*Session, error) {
	alloc, err := openMmapAllocator(path, pageCount)
	if err != nil {
		return nil, err
	}
	return &Session{
		objects: make(map[string]*vmobject.CowObject),
		alloc:   alloc,
	}, nil
}

// Close releases any resources held by the session's physical allocator
// (a no-op for the in-memory allocator).
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.alloc.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) lookup(name string) (*vmobject.CowObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", name)
	}
	return o, nil
}

// Create makes a fresh root object of sizeBytes under name.
func (s *Session) Create(name string, sizeBytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[name]; exists {
		return fmt.Errorf("object %s already exists", name)
	}
	o, err := vmobject.NewRoot(vmobject.Config{Size: sizeBytes})
	if err != nil {
		return err
	}
	s.objects[name] = o
	return nil
}

// cloneKindByName maps a command-line kind string to its CloneKind.
func cloneKindByName(kind string) (vmobject.CloneKind, error) {
	switch kind {
	case "snapshot":
		return vmobject.CloneSnapshot, nil
	case "uow":
		return vmobject.CloneSnapshotAtLeastOnWrite, nil
	case "slice":
		return vmobject.CloneSlice, nil
	default:
		return 0, fmt.Errorf("unknown clone kind %q (want snapshot, uow, or slice)", kind)
	}
}

// Clone derives a new object named newName from parent, of the requested
// kind, covering [offset, offset+length).
func (s *Session) Clone(parentName, kind string, offset, length uint64, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[newName]; exists {
		return fmt.Errorf("object %s already exists", newName)
	}
	parent, ok := s.objects[parentName]
	if !ok {
		return fmt.Errorf("no such object: %s", parentName)
	}
	ck, err := cloneKindByName(kind)
	if err != nil {
		return err
	}
	clone, err := parent.CreateClone(ck, offset, length)
	if err != nil {
		return err
	}
	s.objects[newName] = clone
	return nil
}

// Supply installs data as real page content at offset in name, the way a
// page-source's fill callback would after GetPages.
func (s *Session) Supply(ctx context.Context, name string, offset uint64, data []byte) error {
	o, err := s.lookup(name)
	if err != nil {
		return err
	}
	if uint64(len(data)) > vmobject.PageSize {
		return fmt.Errorf("supply data exceeds one page (%d > %d)", len(data), vmobject.PageSize)
	}
	cur := vmobject.NewLookupCursor(o, offset, vmobject.PageSize, s.alloc)
	frame, _, err := cur.RequireOwnedPage(ctx, true, vmobject.PageSize)
	if err != nil {
		return err
	}
	s.alloc.WritePage(frame, data)
	return nil
}

// Fault drives a single read or write fault at offset through the lookup
// cursor and reports which physical frame ended up backing it.
func (s *Session) Fault(ctx context.Context, name string, offset uint64, write bool) (uint64, error) {
	o, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	cur := vmobject.NewLookupCursor(o, offset, vmobject.PageSize, s.alloc)
	if !write {
		frame, err := cur.RequireReadPage(ctx, vmobject.PageSize)
		return uint64(frame), err
	}
	frame, _, err := cur.RequireOwnedPage(ctx, true, vmobject.PageSize)
	return uint64(frame), err
}

// Inspect returns a formatted description of name's composition and
// lifecycle state.
func (s *Session) Inspect(name string) (string, error) {
	o, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	stats := o.Stats()
	return fmt.Sprintf(
		"id=%s size=%d lifecycle=%s pinned=%d high_priority=%v reclaim_events=%d "+
			"clean=%d dirty=%d awaiting_clean=%d reference=%d marker=%d",
		stats.ID, stats.Size, stats.LifeCycleState, stats.PinnedPageCount, stats.HighPriority,
		stats.ReclamationEvents, stats.CleanPages, stats.DirtyPages, stats.AwaitingCleanPages,
		stats.ReferencePages, stats.MarkerSlots,
	), nil
}

// Names returns every object name currently registered, sorted for stable
// display.
func (s *Session) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
