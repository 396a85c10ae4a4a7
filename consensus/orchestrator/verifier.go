package orchestrator

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/observability/metrics"
)

type epochLookup interface {
	Epoch(number uint64) (*epoch.State, bool)
}

// verifier checks envelope signatures against the sender's epoch snapshot.
// Verified message ids are cached so gossip duplicates are cheap.
type verifier struct {
	epochs  epochLookup
	cache   *lru.Cache
	metrics *metrics.ConsensusMetrics
}

func newVerifier(epochs epochLookup, size int, m *metrics.ConsensusMetrics) (*verifier, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("verify cache: %w", err)
	}
	return &verifier{epochs: epochs, cache: cache, metrics: m}, nil
}

func (v *verifier) verify(msg *types.Message) error {
	if msg.Kind == types.KindTimeout {
		return fmt.Errorf("%w: timeouts are local", types.ErrInvalidMessage)
	}
	if !msg.Kind.RequiresSignature() {
		return nil
	}
	key := msg.ID()
	if v.cache.Contains(key) {
		v.metrics.ObserveVerifyCache(true)
		return nil
	}
	v.metrics.ObserveVerifyCache(false)
	state, ok := v.epochs.Epoch(msg.Epoch)
	if !ok {
		return fmt.Errorf("%w: %d", types.ErrUnknownEpoch, msg.Epoch)
	}
	pub, ok := state.PublicKey(msg.Signer)
	if !ok {
		return fmt.Errorf("%w: %s in epoch %d", types.ErrUnknownValidator, msg.Signer, msg.Epoch)
	}
	if err := msg.VerifySignature(pub); err != nil {
		return err
	}
	v.cache.Add(key, struct{}{})
	return nil
}
