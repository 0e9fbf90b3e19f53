package pagesource

import (
	"context"
	"sync"

	"cowvmo/pkg/cowerr"
)

// Transport is what a PagerProxy speaks to on the other side of the pager
// RPC boundary: it only has to accept fill and dirty-transition requests
// and, at some later point, call back into the proxy's On* methods. The
// wire format and the remote process are out of scope; this is the seam a
// real transport implementation plugs into.
type Transport interface {
	RequestFill(ctx context.Context, offset, length uint64, debugInfo string) error
	RequestDirty(ctx context.Context, offset, length uint64, debugInfo string) error
	ShouldTrapDirtyTransitions() bool
}

// PagerProxy is the PageSource variant backed by a remote user-mode pager:
// GetPages and RequestDirtyTransition always return cowerr.ErrShouldWait
// (or forward the transport's error) and never complete synchronously; the
// corresponding OnPagesSupplied/OnPagesDirtied/OnPagesFailed calls, driven
// by the transport once the remote side responds, resolve the waiters.
type PagerProxy struct {
	transport Transport

	mu       sync.Mutex
	detached bool
	reads    []pendingRange
	dirties  []pendingRange
}

// NewPagerProxy wraps transport as a PageSource.
func NewPagerProxy(transport Transport) *PagerProxy {
	return &PagerProxy{transport: transport}
}

func (p *PagerProxy) Kind() Kind { return KindPagerProxy }

func (p *PagerProxy) GetPages(ctx context.Context, offset, length uint64, req *Request) error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		req.complete(cowerr.ErrDetached)
		return cowerr.ErrDetached
	}
	p.reads = append(p.reads, pendingRange{offset: offset, length: length, req: req})
	p.mu.Unlock()

	if err := p.transport.RequestFill(ctx, offset, length, req.VMODebugInfo); err != nil {
		p.mu.Lock()
		failAll(&p.reads, offset, length, err)
		p.mu.Unlock()
		return err
	}
	return cowerr.ErrShouldWait
}

func (p *PagerProxy) RequestDirtyTransition(ctx context.Context, offset, length uint64, req *Request) error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		req.complete(cowerr.ErrDetached)
		return cowerr.ErrDetached
	}
	p.dirties = append(p.dirties, pendingRange{offset: offset, length: length, req: req})
	p.mu.Unlock()

	if err := p.transport.RequestDirty(ctx, offset, length, req.VMODebugInfo); err != nil {
		p.mu.Lock()
		failAll(&p.dirties, offset, length, err)
		p.mu.Unlock()
		return err
	}
	return cowerr.ErrShouldWait
}

// OnPagesSupplied resolves every pending read request overlapping the
// range, called by the transport once the remote pager fills content.
func (p *PagerProxy) OnPagesSupplied(offset, length uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	completeAll(&p.reads, offset, length)
}

// OnPagesDirtied resolves every pending dirty request overlapping the
// range.
func (p *PagerProxy) OnPagesDirtied(offset, length uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	completeAll(&p.dirties, offset, length)
}

// OnPagesFailed fails every pending read and dirty request overlapping the
// range with status.
func (p *PagerProxy) OnPagesFailed(offset, length uint64, status error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	failAll(&p.reads, offset, length, status)
	failAll(&p.dirties, offset, length, status)
}

func (p *PagerProxy) ShouldTrapDirtyTransitions() bool {
	return p.transport.ShouldTrapDirtyTransitions()
}

func (p *PagerProxy) DebugIsPageOk(page uintptr, offset uint64) bool { return true }

func (p *PagerProxy) IsDetached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

// Detach marks the proxy detached and fails every outstanding request, the
// same "all outstanding requests fail with a bad-state error" contract the
// fault path relies on when a source goes away mid-wait.
func (p *PagerProxy) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
	failAll(&p.reads, 0, ^uint64(0), cowerr.ErrDetached)
	failAll(&p.dirties, 0, ^uint64(0), cowerr.ErrDetached)
}

func (p *PagerProxy) Close() error {
	p.Detach()
	return nil
}

var _ Source = (*PagerProxy)(nil)
