package pagelist

import (
	"sync"
	"sync/atomic"
)

// epochManager provides epoch-based memory reclamation for the page list's
// lock-free readers, adapted from the CoW B+ tree's epoch manager: readers
// "enter" an epoch before walking the list and "leave" when done; writers
// advance the epoch after a mutation becomes visible; a retired node is
// only freed once every reader that might still see it has left.
type epochManager struct {
	globalEpoch uint64

	readers sync.Map // readerID -> *readerState

	retiredMu sync.Mutex
	retired   map[uint64][]*listNode

	nextReaderID uint64
}

type readerState struct {
	epoch  uint64
	active int32
}

func newEpochManager() *epochManager {
	return &epochManager{
		globalEpoch: 1,
		retired:     make(map[uint64][]*listNode),
	}
}

// readerGuard represents an active reader session against the list.
type readerGuard struct {
	mgr      *epochManager
	state    *readerState
	readerID uint64
}

func (e *epochManager) enter() *readerGuard {
	readerID := atomic.AddUint64(&e.nextReaderID, 1)
	state := &readerState{epoch: atomic.LoadUint64(&e.globalEpoch), active: 1}
	e.readers.Store(readerID, state)
	return &readerGuard{mgr: e, state: state, readerID: readerID}
}

func (g *readerGuard) leave() {
	if g == nil || g.state == nil {
		return
	}
	atomic.StoreInt32(&g.state.active, 0)
	g.mgr.readers.Delete(g.readerID)
}

func (e *epochManager) advance() uint64 {
	return atomic.AddUint64(&e.globalEpoch, 1)
}

func (e *epochManager) retire(node *listNode) {
	if node == nil {
		return
	}
	epoch := atomic.LoadUint64(&e.globalEpoch)
	e.retiredMu.Lock()
	e.retired[epoch] = append(e.retired[epoch], node)
	e.retiredMu.Unlock()
}

func (e *epochManager) tryReclaim() int {
	minEpoch := e.findMinActiveEpoch()

	e.retiredMu.Lock()
	defer e.retiredMu.Unlock()

	reclaimed := 0
	for epoch, nodes := range e.retired {
		if epoch < minEpoch {
			reclaimed += len(nodes)
			delete(e.retired, epoch)
		}
	}
	return reclaimed
}

func (e *epochManager) findMinActiveEpoch() uint64 {
	minEpoch := atomic.LoadUint64(&e.globalEpoch)
	e.readers.Range(func(_, value interface{}) bool {
		state := value.(*readerState)
		if atomic.LoadInt32(&state.active) == 1 && state.epoch < minEpoch {
			minEpoch = state.epoch
		}
		return true
	})
	return minEpoch
}

func (e *epochManager) activeReaderCount() int {
	count := 0
	e.readers.Range(func(_, value interface{}) bool {
		state := value.(*readerState)
		if atomic.LoadInt32(&state.active) == 1 {
			count++
		}
		return true
	})
	return count
}
