package epoch_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"adaptivechain/consensus/consensustest"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/slashing"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/storage"
)

func newManager(t *testing.T, cfg epoch.Config, n int) (*epoch.Manager, []consensustest.Validator) {
	t.Helper()
	vals := consensustest.Validators(t, n)
	reg := consensustest.Registry(t, vals, 100)
	mgr, err := epoch.NewManager(cfg, reg)
	require.NoError(t, err)
	_, err = mgr.Genesis(epoch.Boundary{Height: 1, Timestamp: 1_000}, types.HashBytes([]byte("genesis")))
	require.NoError(t, err)
	return mgr, vals
}

func nextBoundary(mgr *epoch.Manager) epoch.Boundary {
	return epoch.Boundary{Height: mgr.Current().EndHeight() + 1}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, epoch.DefaultConfig().Validate())

	cfg := epoch.DefaultConfig()
	cfg.QuorumBps = 6_666
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)

	cfg = epoch.DefaultConfig()
	cfg.Slashing.DowntimeBps = cfg.Slashing.DoubleSignBps
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)

	cfg = epoch.DefaultConfig()
	cfg.Emergency.ExitOnlineBps = cfg.Emergency.EnterOnlineBps - 1
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)

	cfg = epoch.DefaultConfig()
	cfg.SnapshotHistory = cfg.EvidenceWindowEpochs
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
}

func TestQuorumStakeIsStrictlyAboveTwoThirds(t *testing.T) {
	require.Equal(t, uint64(267), epoch.QuorumStake(uint256.NewInt(400), epoch.MinQuorumBps).Uint64())
	require.Equal(t, uint64(201), epoch.QuorumStake(uint256.NewInt(300), epoch.MinQuorumBps).Uint64())

	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	require.True(t, state.HasQuorum(uint256.NewInt(300)))
	require.False(t, state.HasQuorum(uint256.NewInt(200)))
	require.Equal(t, uint64(300), state.SignerStake([]types.ValidatorID{vals[0].ID, vals[1].ID, vals[1].ID, vals[2].ID}).Uint64())
}

func TestGenesisUsesInitialMode(t *testing.T) {
	mgr, _ := newManager(t, consensustest.Config(), 4)
	cur := mgr.Current()
	require.Equal(t, uint64(0), cur.Number())
	require.Equal(t, types.ModePBFT, cur.Mode())
	require.Equal(t, uint64(1), cur.StartHeight())
	require.Equal(t, uint64(10), cur.EndHeight())
	require.Equal(t, uint64(400), cur.TotalActiveStake().Uint64())
}

func TestRotateRejectsWrongBoundary(t *testing.T) {
	mgr, _ := newManager(t, consensustest.Config(), 4)
	_, err := mgr.Rotate(epoch.Boundary{Height: 5}, types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.Error(t, err)
	require.Equal(t, uint64(0), mgr.Current().Number())
}

func TestDowntimeJailEntersEmergencyWithDefaults(t *testing.T) {
	mgr, vals := newManager(t, epoch.DefaultConfig(), 4)
	slasher := slashing.NewEngine(mgr, mgr.Registry(), evidence.NewStore(storage.NewMemDB()), nil)

	accused := vals[3]
	digest := evidence.DowntimeDigest(0, accused.ID, 1, 5)
	attestations := make([]types.ValidatorSignature, 0, 3)
	for _, v := range vals[:3] {
		sig, err := v.Key.Sign(digest[:])
		require.NoError(t, err)
		attestations = append(attestations, types.ValidatorSignature{Validator: v.ID, Signature: sig})
	}
	ev, err := evidence.NewDowntime(accused.ID, 0, 1, 5, attestations, vals[0].ID)
	require.NoError(t, err)
	_, applied, err := slasher.Submit(ev, 1)
	require.NoError(t, err)
	require.True(t, applied)

	state, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	require.Equal(t, types.ModeEmergencyPoW, state.Mode())
	require.Equal(t, epoch.ReasonLowActiveStake, state.Reason())
	require.False(t, state.IsActive(accused.ID))
	require.Equal(t, uint64(300), state.TotalActiveStake().Uint64())

	// The jail term ends at epoch 2 and the network looks healthy again.
	state, err = mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	require.Equal(t, types.ModePBFT, state.Mode())
	require.Equal(t, epoch.ReasonRecovered, state.Reason())
	require.True(t, state.IsActive(accused.ID))
}

func TestRotateForcesEmergencyWithoutQuorum(t *testing.T) {
	mgr, vals := newManager(t, consensustest.Config(), 4)
	require.NoError(t, mgr.Registry().SetStatus(vals[0].ID, validator.Jailed(9)))
	require.NoError(t, mgr.Registry().SetStatus(vals[1].ID, validator.Jailed(9)))

	state, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	require.Equal(t, types.ModeEmergencyPoW, state.Mode())
	require.Equal(t, epoch.ReasonInsufficientStake, state.Reason())
}

func TestScheduledConfigAppliesAtBoundary(t *testing.T) {
	mgr, _ := newManager(t, consensustest.Config(), 4)
	cfg := consensustest.Config()
	cfg.Length = 25
	require.NoError(t, mgr.ScheduleConfig(cfg))
	require.Equal(t, uint64(10), mgr.Current().Length())
	require.Equal(t, uint64(10), mgr.Config().Length)

	state, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	require.Equal(t, uint64(25), state.Length())
	require.Equal(t, uint64(11), state.StartHeight())
	require.Equal(t, uint64(35), state.EndHeight())

	bad := consensustest.Config()
	bad.QuorumBps = 5_000
	require.ErrorIs(t, mgr.ScheduleConfig(bad), types.ErrInvalidConfig)
}

func TestSeedsAreDeterministic(t *testing.T) {
	a, _ := newManager(t, consensustest.Config(), 4)
	b, _ := newManager(t, consensustest.Config(), 4)
	require.Equal(t, a.Current().Seed(), b.Current().Seed())

	sa, err := a.Rotate(nextBoundary(a), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	sb, err := b.Rotate(nextBoundary(b), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	require.Equal(t, sa.Seed(), sb.Seed())
	require.NotEqual(t, a.Current().Seed(), types.HashBytes([]byte("genesis")))
	first, ok := a.Epoch(0)
	require.True(t, ok)
	require.NotEqual(t, first.Seed(), sa.Seed())
}

func TestHistoryRetainsEvidenceWindow(t *testing.T) {
	cfg := consensustest.Config()
	cfg.EvidenceWindowEpochs = 2
	cfg.SnapshotHistory = 3
	mgr, _ := newManager(t, cfg, 4)
	for i := 0; i < 5; i++ {
		_, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
		require.NoError(t, err)
	}
	_, ok := mgr.Epoch(2)
	require.False(t, ok)
	for n := uint64(3); n <= 5; n++ {
		state, ok := mgr.Epoch(n)
		require.True(t, ok, "epoch %d", n)
		require.Equal(t, n, state.Number())
	}
	state, ok := mgr.EpochForHeight(45)
	require.True(t, ok)
	require.Equal(t, uint64(4), state.Number())
}

func TestModeIsFixedForTheEpoch(t *testing.T) {
	mgr, _ := newManager(t, consensustest.Config(), 4)
	genesis := mgr.Current()
	stressed := epoch.NetworkMetrics{Blocks: 10, TimeoutRateBps: 9_000, OnlineBps: 10_000}
	healthy := epoch.NetworkMetrics{Blocks: 10, LatencyMillis: 1_000, OnlineBps: 10_000}

	next, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, healthy)
	require.NoError(t, err)
	require.Equal(t, types.ModePBFT, genesis.Mode())
	require.Equal(t, types.ModePoS, next.Mode())

	last, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, stressed)
	require.NoError(t, err)
	require.Equal(t, types.ModePoS, next.Mode())
	require.Equal(t, types.ModePBFT, last.Mode())
}

func TestSelectModeHysteresis(t *testing.T) {
	cfg := epoch.DefaultConfig()
	in := epoch.Inputs{
		ActiveStake: uint256.NewInt(1_000),
		BondedStake: uint256.NewInt(1_000),
		Metrics:     epoch.NetworkMetrics{OnlineBps: 10_000, TimeoutRateBps: 1_000},
	}
	for _, prev := range []types.ConsensusMode{types.ModePoS, types.ModePBFT} {
		d, err := epoch.SelectMode(cfg, prev, in)
		require.NoError(t, err)
		require.Equal(t, prev, d.Mode)
		require.Equal(t, epoch.ReasonHysteresis, d.Reason)
	}

	in.Advisory = types.ClampScoreBps(cfg.Switching.PBFTAdvisoryBps)
	d, err := epoch.SelectMode(cfg, types.ModePoS, in)
	require.NoError(t, err)
	require.Equal(t, types.ModePBFT, d.Mode)

	in.Metrics.OnlineBps = cfg.Emergency.EnterOnlineBps - 1
	d, err = epoch.SelectMode(cfg, types.ModePBFT, in)
	require.NoError(t, err)
	require.Equal(t, types.ModeEmergencyPoW, d.Mode)
	require.Equal(t, epoch.ReasonLowResponsiveness, d.Reason)

	// Between the entry and exit thresholds the node stays in EmergencyPoW.
	in.Metrics.OnlineBps = cfg.Emergency.ExitOnlineBps - 1
	d, err = epoch.SelectMode(cfg, types.ModeEmergencyPoW, in)
	require.NoError(t, err)
	require.Equal(t, types.ModeEmergencyPoW, d.Mode)

	bad := cfg
	bad.Length = 0
	_, err = epoch.SelectMode(bad, types.ModePoS, in)
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	in.ActiveStake = uint256.NewInt(600)
	_, err = epoch.SelectMode(cfg, types.ModePoS, in)
	require.ErrorIs(t, err, epoch.ErrInsufficientActiveStake)
}

func TestMetricsTracker(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	state := consensustest.State(t, 0, types.ModePBFT, vals, 100)
	tracker := epoch.NewMetricsTracker(state, 1_000)

	sig := func(ids ...int) []types.ValidatorSignature {
		out := make([]types.ValidatorSignature, len(ids))
		for i, idx := range ids {
			out[i] = types.ValidatorSignature{Validator: vals[idx].ID}
		}
		return out
	}
	tracker.ObserveFinalized(&types.Block{Height: 1, Timestamp: 2_000, Proposer: vals[0].ID},
		&types.FinalityCertificate{Height: 1, Signatures: sig(0, 1)})
	tracker.ObserveFinalized(&types.Block{Height: 2, Timestamp: 5_000, Proposer: vals[1].ID},
		&types.FinalityCertificate{Height: 2, View: 1, Signatures: sig(1, 2)})
	tracker.ObserveLiveness(types.ValidatorID{0x01})

	m := tracker.Snapshot()
	require.Equal(t, uint64(2), m.Blocks)
	require.Equal(t, uint64(2_000), m.LatencyMillis)
	require.Equal(t, uint64(5_000), m.TimeoutRateBps)
	require.Equal(t, uint64(7_500), m.OnlineBps)
}

func TestStateEncodingRoundTrip(t *testing.T) {
	mgr, vals := newManager(t, consensustest.Config(), 3)
	require.NoError(t, mgr.Registry().SetStatus(vals[0].ID, validator.Jailed(4)))
	state, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)

	encoded, err := epoch.EncodeState(state)
	require.NoError(t, err)
	decoded, err := epoch.DecodeState(encoded)
	require.NoError(t, err)
	require.Equal(t, state.Seed(), decoded.Seed())
	require.Equal(t, state.Mode(), decoded.Mode())
	require.Equal(t, state.SnapshotDigest(), decoded.SnapshotDigest())
	require.Equal(t, state.QuorumStake(), decoded.QuorumStake())
	require.False(t, decoded.IsActive(vals[0].ID))
}

type failingStore struct{ err error }

func (s *failingStore) AppendEpoch(*epoch.State) error { return s.err }

func TestFailedRotateLeavesRegistryUntouched(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	reg := consensustest.Registry(t, vals, 100)
	store := &failingStore{}
	mgr, err := epoch.NewManager(consensustest.Config(), reg, epoch.WithStore(store))
	require.NoError(t, err)
	_, err = mgr.Genesis(epoch.Boundary{Height: 1}, types.HashBytes([]byte("genesis")))
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(vals[0].ID, validator.Jailed(1)))
	staged := consensustest.Config()
	staged.Length = 25
	require.NoError(t, mgr.ScheduleConfig(staged))

	store.err = errors.New("disk full")
	_, err = mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.ErrorIs(t, err, store.err)
	require.Equal(t, uint64(0), mgr.Current().Number())
	require.Equal(t, uint64(10), mgr.Config().Length)
	identity, ok := reg.Get(vals[0].ID)
	require.True(t, ok)
	require.Equal(t, validator.Jailed(1), identity.Status)
	require.Equal(t, uint64(300), reg.TotalActiveStake().Uint64())

	store.err = nil
	state, err := mgr.Rotate(nextBoundary(mgr), types.AggregatedAdvisory{}, epoch.HealthyMetrics())
	require.NoError(t, err)
	require.Equal(t, uint64(25), state.Length())
	require.True(t, state.IsActive(vals[0].ID))
	identity, _ = reg.Get(vals[0].ID)
	require.Equal(t, validator.Active(), identity.Status)
}
