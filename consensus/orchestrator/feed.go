package orchestrator

import (
	"sync"

	"adaptivechain/consensus/types"
)

// Finalized is published once a block is committed to the ledger.
type Finalized struct {
	Certificate *types.FinalityCertificate
	Block       *types.Block
}

// Feed fans finalized blocks out to subscribers. Slow subscribers miss
// events rather than stall the actor.
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Finalized
}

func newFeed() *Feed {
	return &Feed{subs: make(map[int]chan Finalized)}
}

// Subscribe returns a channel of finalized blocks and a cancel func.
func (f *Feed) Subscribe(buffer int) (<-chan Finalized, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Finalized, buffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Feed) publish(ev Finalized) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
