package epoch

import (
	"github.com/holiman/uint256"

	"adaptivechain/consensus/types"
)

// NetworkMetrics summarise one epoch for mode selection. They are derived
// from finalized blocks and certificates only, never from local clocks.
type NetworkMetrics struct {
	Blocks         uint64
	LatencyMillis  uint64
	TimeoutRateBps uint64
	OnlineBps      uint64
}

// HealthyMetrics is what a node assumes before it has observed any block.
func HealthyMetrics() NetworkMetrics {
	return NetworkMetrics{OnlineBps: BasisPoints}
}

// MetricsTracker accumulates NetworkMetrics for a single epoch.
type MetricsTracker struct {
	state         *State
	blocks        uint64
	retried       uint64
	latencySum    uint64
	latencyCount  uint64
	lastTimestamp uint64
	live          map[types.ValidatorID]struct{}
}

// NewMetricsTracker starts tracking the given epoch. lastTimestamp is the
// timestamp of the block finalized just before the epoch began.
func NewMetricsTracker(state *State, lastTimestamp uint64) *MetricsTracker {
	return &MetricsTracker{
		state:         state,
		lastTimestamp: lastTimestamp,
		live:          make(map[types.ValidatorID]struct{}),
	}
}

// ObserveFinalized folds a finalized block and its certificate in. Blocks that
// needed a view change or a new PoS round count as timeouts. Certificate
// signers and the proposer are counted as online.
func (t *MetricsTracker) ObserveFinalized(block *types.Block, cert *types.FinalityCertificate) {
	if block == nil {
		return
	}
	t.blocks++
	if t.lastTimestamp != 0 && block.Timestamp > t.lastTimestamp {
		t.latencySum += block.Timestamp - t.lastTimestamp
		t.latencyCount++
	}
	if block.Timestamp > t.lastTimestamp {
		t.lastTimestamp = block.Timestamp
	}
	t.ObserveLiveness(block.Proposer)
	if cert == nil {
		return
	}
	if cert.View > 0 {
		t.retried++
	}
	for _, sig := range cert.Signatures {
		t.ObserveLiveness(sig.Validator)
	}
}

// ObserveLiveness marks an active validator as online.
func (t *MetricsTracker) ObserveLiveness(id types.ValidatorID) {
	if t.state == nil || !t.state.IsActive(id) {
		return
	}
	t.live[id] = struct{}{}
}

// Snapshot returns the metrics gathered so far.
func (t *MetricsTracker) Snapshot() NetworkMetrics {
	out := NetworkMetrics{Blocks: t.blocks}
	if t.latencyCount > 0 {
		out.LatencyMillis = t.latencySum / t.latencyCount
	}
	if t.blocks > 0 {
		out.TimeoutRateBps = t.retried * BasisPoints / t.blocks
	}
	if t.state == nil {
		return out
	}
	total := t.state.TotalActiveStake()
	if total.IsZero() {
		return out
	}
	online := new(uint256.Int)
	for id := range t.live {
		online.Add(online, t.state.StakeOf(id))
	}
	online.Mul(online, uint256.NewInt(BasisPoints))
	online.Div(online, total)
	out.OnlineBps = online.Uint64()
	return out
}
