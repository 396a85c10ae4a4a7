package consensustest

import (
	"errors"
	"testing"

	"adaptivechain/consensus/engine"
	"adaptivechain/consensus/types"
)

type envelope struct {
	from types.ValidatorID
	msg  *types.Message
}

// Network delivers broadcasts between engines in FIFO order on demand, so
// tests control interleaving completely.
type Network struct {
	ids       []types.ValidatorID
	engines   map[types.ValidatorID]engine.Engine
	queue     []envelope
	Sent      []*types.Message
	Committed map[types.ValidatorID][]*types.CommittedBlock
	Errors    map[types.ValidatorID][]error
	// Drop filters deliveries; returning true discards the message for to.
	Drop func(from, to types.ValidatorID, msg *types.Message) bool
}

func NewNetwork() *Network {
	return &Network{
		engines:   make(map[types.ValidatorID]engine.Engine),
		Committed: make(map[types.ValidatorID][]*types.CommittedBlock),
		Errors:    make(map[types.ValidatorID][]error),
	}
}

// Broadcaster returns the broadcaster an engine owned by id should use.
func (n *Network) Broadcaster(id types.ValidatorID) engine.Broadcaster {
	return engine.BroadcasterFunc(func(msg *types.Message) error {
		n.queue = append(n.queue, envelope{from: id, msg: msg.Clone()})
		n.Sent = append(n.Sent, msg.Clone())
		return nil
	})
}

// Join registers an engine under id.
func (n *Network) Join(id types.ValidatorID, eng engine.Engine) {
	if _, ok := n.engines[id]; !ok {
		n.ids = append(n.ids, id)
	}
	n.engines[id] = eng
}

func (n *Network) Engine(id types.ValidatorID) engine.Engine { return n.engines[id] }

// Record stores blocks an engine returned outside of Run.
func (n *Network) Record(id types.ValidatorID, blocks []*types.CommittedBlock) {
	n.Committed[id] = append(n.Committed[id], blocks...)
}

// Run delivers queued messages until the queue drains. Fatal engine errors
// fail the test; other rejections are recorded in Errors.
func (n *Network) Run(tb testing.TB) {
	tb.Helper()
	for steps := 0; len(n.queue) > 0; steps++ {
		if steps > 100_000 {
			tb.Fatalf("network did not quiesce")
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		for _, id := range n.ids {
			if id == env.from {
				continue
			}
			if n.Drop != nil && n.Drop(env.from, id, env.msg) {
				continue
			}
			blocks, err := n.engines[id].OnMessage(env.msg.Clone())
			n.Committed[id] = append(n.Committed[id], blocks...)
			if err != nil {
				if types.IsFatal(err) {
					tb.Fatalf("engine %s: %v", id, err)
				}
				n.Errors[id] = append(n.Errors[id], err)
			}
		}
	}
}

// ProposeIfLeader lets every engine that leads its slot propose block(height).
func (n *Network) ProposeIfLeader(tb testing.TB, block func(proposer types.ValidatorID, height uint64) *types.Block) int {
	tb.Helper()
	proposed := 0
	for _, id := range n.ids {
		eng := n.engines[id]
		if !eng.ShouldPropose() {
			continue
		}
		blocks, err := eng.Propose(block(id, eng.Slot().Height))
		if err != nil {
			tb.Fatalf("propose by %s: %v", id, err)
		}
		n.Record(id, blocks)
		proposed++
	}
	return proposed
}

// TimeoutAll fires the current slot timer on every engine.
func (n *Network) TimeoutAll(tb testing.TB) {
	tb.Helper()
	for _, id := range n.ids {
		eng := n.engines[id]
		if err := eng.OnTimeout(eng.Slot().Timeout()); err != nil {
			tb.Fatalf("timeout on %s: %v", id, err)
		}
	}
}

// CountErrors counts recorded errors matching target.
func (n *Network) CountErrors(target error) int {
	count := 0
	for _, errs := range n.Errors {
		for _, err := range errs {
			if errors.Is(err, target) {
				count++
			}
		}
	}
	return count
}
