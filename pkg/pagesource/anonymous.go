package pagesource

import (
	"context"
	"sync"
)

// AnonymousRequester is the PageSource variant for trees with no external
// content: every offset outside the page list reads as zero and no read or
// dirty request ever leaves the process. It exists so the fault path has a
// uniform Source to call into regardless of whether the tree is backed by
// anything external, mirroring how an in-memory storage mode still goes
// through the same Storage interface rather than special-casing itself
// away.
type AnonymousRequester struct {
	mu       sync.Mutex
	detached bool
}

// NewAnonymousRequester returns a source for an anonymous (no-pager) tree.
func NewAnonymousRequester() *AnonymousRequester {
	return &AnonymousRequester{}
}

func (a *AnonymousRequester) Kind() Kind { return KindAnonymousRequester }

func (a *AnonymousRequester) GetPages(ctx context.Context, offset, length uint64, req *Request) error {
	// Anonymous content has no source to fill from; the caller resolves
	// the fault locally (zero fill). Complete immediately so Wait never
	// blocks.
	req.complete(nil)
	return nil
}

func (a *AnonymousRequester) RequestDirtyTransition(ctx context.Context, offset, length uint64, req *Request) error {
	req.complete(nil)
	return nil
}

func (a *AnonymousRequester) OnPagesSupplied(offset, length uint64) {}
func (a *AnonymousRequester) OnPagesDirtied(offset, length uint64)  {}
func (a *AnonymousRequester) OnPagesFailed(offset, length uint64, status error) {}

func (a *AnonymousRequester) ShouldTrapDirtyTransitions() bool { return false }

func (a *AnonymousRequester) DebugIsPageOk(page uintptr, offset uint64) bool { return true }

func (a *AnonymousRequester) IsDetached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detached
}

func (a *AnonymousRequester) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = true
}

func (a *AnonymousRequester) Close() error { return nil }

var _ Source = (*AnonymousRequester)(nil)
