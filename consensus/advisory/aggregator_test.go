package advisory

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"adaptivechain/consensus/consensustest"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

type states map[uint64]*epoch.State

func (s states) Epoch(n uint64) (*epoch.State, bool) {
	state, ok := s[n]
	return state, ok
}

func weightedState(t *testing.T, vals []consensustest.Validator, stakes []uint64) *epoch.State {
	t.Helper()
	snapshot := make([]epoch.ValidatorSnapshot, len(vals))
	for i, v := range vals {
		snapshot[i] = epoch.ValidatorSnapshot{ID: v.ID, PublicKey: v.PublicKey(), Stake: uint256.NewInt(stakes[i]), Status: validator.Active()}
	}
	state, err := epoch.NewState(epoch.Params{Mode: types.ModePBFT, StartHeight: 1, Length: 10, QuorumBps: epoch.MinQuorumBps, Validators: snapshot})
	require.NoError(t, err)
	return state
}

func signed(t *testing.T, v consensustest.Validator, epochNum uint64, value float64) *Report {
	t.Helper()
	r := NewReport(epochNum, value)
	require.NoError(t, r.Sign(v.Key))
	return r
}

func TestStakeWeightedMedian(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := weightedState(t, vals, []uint64{100, 100, 100, 700})
	agg := NewAggregator(states{0: state}, nil)

	for i, value := range []float64{0.1, 0.2, 0.3, 0.9} {
		accepted, err := agg.SubmitReport(signed(t, vals[i], 0, value))
		require.NoError(t, err)
		require.True(t, accepted)
	}
	result, err := agg.Aggregate(0)
	require.NoError(t, err)
	require.Equal(t, types.BoundedScore(9_000), result.Score)
	require.Equal(t, 4, result.Reports)
	require.Equal(t, uint64(1_000), result.ReportingStake.Uint64())
}

func TestValuesAreClamped(t *testing.T) {
	vals := consensustest.Validators(t, 1)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	agg := NewAggregator(states{0: state}, nil)

	r := &Report{Epoch: 0, ValueBps: 50_000}
	require.NoError(t, r.Sign(vals[0].Key))
	_, err := agg.SubmitReport(r)
	require.NoError(t, err)
	result, err := agg.Aggregate(0)
	require.NoError(t, err)
	require.Equal(t, types.BoundedScore(types.MaxScoreBps), result.Score)
	require.Equal(t, types.BoundedScore(0), NewReport(0, -3).Score())
}

func TestAggregateIsIndependentOfArrivalOrder(t *testing.T) {
	vals := consensustest.Validators(t, 7)
	state := weightedState(t, vals, []uint64{50, 300, 120, 120, 90, 10, 310})
	var reports []*Report
	for i, v := range vals {
		reports = append(reports, signed(t, v, 0, float64(i%4)/4))
	}
	// Two reports from one source: the lower fingerprint must win either way.
	reports = append(reports, signed(t, vals[3], 0, 0.95))

	var want types.AggregatedAdvisory
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 20; round++ {
		order := rng.Perm(len(reports))
		agg := NewAggregator(states{0: state}, nil)
		for _, i := range order {
			_, err := agg.SubmitReport(reports[i].Clone())
			require.NoError(t, err)
		}
		got, err := agg.Aggregate(0)
		require.NoError(t, err)
		if round == 0 {
			want = got
			continue
		}
		require.Equal(t, want.Score, got.Score)
		require.Equal(t, want.Reporters, got.Reporters)
		require.True(t, want.ReportingStake.Eq(got.ReportingStake))
	}
	require.Equal(t, len(vals), want.Reports)
}

func TestDuplicateKeepsLowerFingerprint(t *testing.T) {
	vals := consensustest.Validators(t, 1)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	a := signed(t, vals[0], 0, 0.2)
	b := signed(t, vals[0], 0, 0.8)
	low, high := a, b
	fa, fb := a.Fingerprint(), b.Fingerprint()
	if bytes.Compare(fb[:], fa[:]) < 0 {
		low, high = b, a
	}

	agg := NewAggregator(states{0: state}, nil)
	accepted, err := agg.SubmitReport(low)
	require.NoError(t, err)
	require.True(t, accepted)
	accepted, err = agg.SubmitReport(high)
	require.NoError(t, err)
	require.False(t, accepted)
	require.Equal(t, 1, agg.Pending(0))

	result, err := agg.Aggregate(0)
	require.NoError(t, err)
	require.Equal(t, low.Score(), result.Score)
}

func TestRejections(t *testing.T) {
	vals := consensustest.Validators(t, 3)
	state := consensustest.State(t, 0, types.ModePBFT, vals[:2], 100)
	agg := NewAggregator(states{0: state}, nil)

	_, err := agg.SubmitReport(signed(t, vals[2], 0, 0.5))
	require.ErrorIs(t, err, types.ErrUnknownValidator)

	forged := signed(t, vals[0], 0, 0.5)
	forged.ValueBps = 9_999
	_, err = agg.SubmitReport(forged)
	require.ErrorIs(t, err, types.ErrInvalidSignature)

	_, err = agg.SubmitReport(signed(t, vals[0], 4, 0.5))
	require.ErrorIs(t, err, types.ErrUnknownEpoch)

	empty, err := agg.Aggregate(0)
	require.NoError(t, err)
	require.Zero(t, empty.Score)
	require.Zero(t, empty.Reports)

	_, err = agg.SubmitReport(signed(t, vals[0], 0, 0.5))
	require.ErrorIs(t, err, ErrLateReport)
	again, err := agg.Aggregate(0)
	require.NoError(t, err)
	require.Equal(t, empty.Score, again.Score)
}

func TestReportMessageRoundTrip(t *testing.T) {
	vals := consensustest.Validators(t, 1)
	r := signed(t, vals[0], 2, 0.4)
	msg, err := r.Message()
	require.NoError(t, err)
	require.Equal(t, types.KindAdvisory, msg.Kind)
	decoded, err := ReportFromMessage(msg)
	require.NoError(t, err)
	require.Equal(t, r.Fingerprint(), decoded.Fingerprint())

	msg.Signer = types.ValidatorID{1}
	_, err = ReportFromMessage(msg)
	require.ErrorIs(t, err, types.ErrInvalidMessage)
}
