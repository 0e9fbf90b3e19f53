package pagesource

import (
	"context"
	"sync"

	"cowvmo/pkg/cowerr"
)

// Backing is the byte-range storage a PhysicalProvider fills pages from:
// a fixed, pre-populated region (device memory, a contiguous VMO backing
// file) rather than a demand-paged remote pager. It is the same shape as
// a page-store's Storage interface, reused here for a different purpose:
// synchronous physical fill instead of on-disk page storage.
type Backing interface {
	Size() int64
	Slice(offset, length int) []byte
	Close() error
}

// MemoryBacking implements Backing over a plain byte slice, the direct
// analogue of an in-memory page store.
type MemoryBacking struct {
	data []byte
}

// NewMemoryBacking allocates a zero-filled backing of the given size.
func NewMemoryBacking(size int64) *MemoryBacking {
	if size <= 0 {
		size = 4096
	}
	return &MemoryBacking{data: make([]byte, size)}
}

func (m *MemoryBacking) Size() int64 { return int64(len(m.data)) }

func (m *MemoryBacking) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil
	}
	return m.data[offset : offset+length]
}

func (m *MemoryBacking) Close() error {
	m.data = nil
	return nil
}

// PhysicalProvider is the PageSource variant for a tree backed by a fixed
// physical region: GetPages resolves synchronously out of Backing, since
// there is no remote fill round-trip to wait on.
type PhysicalProvider struct {
	mu       sync.Mutex
	backing  Backing
	detached bool
}

// NewPhysicalProvider wraps backing as a PageSource.
func NewPhysicalProvider(backing Backing) *PhysicalProvider {
	return &PhysicalProvider{backing: backing}
}

func (p *PhysicalProvider) Kind() Kind { return KindPhysicalProvider }

// ReadAt copies length bytes starting at offset out of the backing region.
// Callers (the fault path) use this directly rather than going through the
// request/Done protocol, since a PhysicalProvider never actually blocks.
func (p *PhysicalProvider) ReadAt(offset, length uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return nil, cowerr.ErrDetached
	}
	b := p.backing.Slice(int(offset), int(length))
	if b == nil {
		return nil, cowerr.New(cowerr.CodeOutOfRange, "pagesource: physical backing range out of bounds")
	}
	return b, nil
}

func (p *PhysicalProvider) GetPages(ctx context.Context, offset, length uint64, req *Request) error {
	_, err := p.ReadAt(offset, length)
	req.complete(err)
	return err
}

func (p *PhysicalProvider) RequestDirtyTransition(ctx context.Context, offset, length uint64, req *Request) error {
	// Physical regions are never pager-preserving: dirty transitions are
	// always locally permitted.
	req.complete(nil)
	return nil
}

func (p *PhysicalProvider) OnPagesSupplied(offset, length uint64) {}
func (p *PhysicalProvider) OnPagesDirtied(offset, length uint64)  {}
func (p *PhysicalProvider) OnPagesFailed(offset, length uint64, status error) {}

func (p *PhysicalProvider) ShouldTrapDirtyTransitions() bool { return false }

func (p *PhysicalProvider) DebugIsPageOk(page uintptr, offset uint64) bool { return true }

func (p *PhysicalProvider) IsDetached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

func (p *PhysicalProvider) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
}

func (p *PhysicalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backing != nil {
		return p.backing.Close()
	}
	return nil
}

var _ Source = (*PhysicalProvider)(nil)
