// Package advisory reduces signed advisory reports into one deterministic
// score per epoch. Reports are accepted until the epoch is aggregated; after
// that the input set is closed.
package advisory

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

// closedRetention bounds how many aggregated epochs are remembered.
const closedRetention = 64

var ErrLateReport = errors.New("advisory: epoch already aggregated")

// EpochSource resolves the frozen validator set of an epoch.
type EpochSource interface {
	Epoch(number uint64) (*epoch.State, bool)
}

// Aggregator collects reports and computes the stake-weighted median.
type Aggregator struct {
	mu      sync.Mutex
	epochs  EpochSource
	logger  *slog.Logger
	reports map[uint64]map[types.ValidatorID]*Report
	closed  map[uint64]types.AggregatedAdvisory
}

func NewAggregator(epochs EpochSource, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		epochs:  epochs,
		logger:  logger.With(slog.String("component", "advisory")),
		reports: make(map[uint64]map[types.ValidatorID]*Report),
		closed:  make(map[uint64]types.AggregatedAdvisory),
	}
}

// SubmitReport verifies and stores r. It reports whether r replaced or
// added the source's entry; a second report from one source is kept only if
// its fingerprint sorts lower, so the outcome never depends on arrival order.
func (a *Aggregator) SubmitReport(r *Report) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("%w: nil report", types.ErrInvalidMessage)
	}
	state, ok := a.epochs.Epoch(r.Epoch)
	if !ok {
		return false, fmt.Errorf("%w: %d", types.ErrUnknownEpoch, r.Epoch)
	}
	pub, ok := state.PublicKey(r.Source)
	if !ok || !state.IsActive(r.Source) {
		return false, fmt.Errorf("%w: %s in epoch %d", types.ErrUnknownValidator, r.Source, r.Epoch)
	}
	if err := r.verify(pub); err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.closed[r.Epoch]; done {
		return false, fmt.Errorf("%w: %d", ErrLateReport, r.Epoch)
	}
	bySource := a.reports[r.Epoch]
	if bySource == nil {
		bySource = make(map[types.ValidatorID]*Report)
		a.reports[r.Epoch] = bySource
	}
	if prior, ok := bySource[r.Source]; ok {
		priorFP, nextFP := prior.Fingerprint(), r.Fingerprint()
		if bytes.Compare(nextFP[:], priorFP[:]) >= 0 {
			return false, nil
		}
	}
	bySource[r.Source] = r.Clone()
	return true, nil
}

// Pending returns how many sources have reported for an open epoch.
func (a *Aggregator) Pending(epochNum uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reports[epochNum])
}

// Aggregate closes epochNum and returns its stake-weighted median score.
// Repeated calls return the same result. An epoch with no reports yields the
// neutral score zero.
func (a *Aggregator) Aggregate(epochNum uint64) (types.AggregatedAdvisory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if result, ok := a.closed[epochNum]; ok {
		return result, nil
	}
	result := types.AggregatedAdvisory{Epoch: epochNum, ReportingStake: new(uint256.Int)}
	if reports := a.reports[epochNum]; len(reports) > 0 {
		state, ok := a.epochs.Epoch(epochNum)
		if !ok {
			return types.AggregatedAdvisory{}, fmt.Errorf("%w: %d", types.ErrUnknownEpoch, epochNum)
		}
		result = reduce(state, reports)
	}
	a.closed[epochNum] = result
	delete(a.reports, epochNum)
	a.pruneLocked(epochNum)
	a.logger.Info("advisory aggregated",
		slog.Uint64("epoch", epochNum),
		slog.Uint64("score_bps", result.Score.Bps()),
		slog.Int("reports", result.Reports),
		slog.String("reporting_stake", result.ReportingStake.Dec()))
	return result, nil
}

type weighted struct {
	source types.ValidatorID
	score  types.BoundedScore
	stake  *uint256.Int
}

// reduce computes the lower weighted median: entries sorted by score then
// source id, the first whose cumulative stake reaches half the total wins.
func reduce(state *epoch.State, reports map[types.ValidatorID]*Report) types.AggregatedAdvisory {
	entries := make([]weighted, 0, len(reports))
	total := new(uint256.Int)
	for id, r := range reports {
		stake := state.StakeOf(id)
		if stake.IsZero() {
			continue
		}
		entries = append(entries, weighted{source: id, score: r.Score(), stake: stake})
		total.Add(total, stake)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].source.Compare(entries[j].source) < 0
	})
	result := types.AggregatedAdvisory{Epoch: state.Number(), Reports: len(entries), ReportingStake: total}
	if len(entries) == 0 {
		return result
	}
	doubled := new(uint256.Int)
	cumulative := new(uint256.Int)
	for _, e := range entries {
		cumulative.Add(cumulative, e.stake)
		doubled.Lsh(cumulative, 1)
		if doubled.Cmp(total) >= 0 {
			result.Score = e.score
			break
		}
	}
	result.Reporters = make([]types.ValidatorID, len(entries))
	for i, e := range entries {
		result.Reporters[i] = e.source
	}
	sort.Slice(result.Reporters, func(i, j int) bool { return result.Reporters[i].Compare(result.Reporters[j]) < 0 })
	return result
}

func (a *Aggregator) pruneLocked(latest uint64) {
	if latest < closedRetention {
		return
	}
	floor := latest - closedRetention
	for n := range a.closed {
		if n < floor {
			delete(a.closed, n)
		}
	}
	for n := range a.reports {
		if n < floor {
			delete(a.reports, n)
		}
	}
}
