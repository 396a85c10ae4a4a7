package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"adaptivechain/consensus/consensustest"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/storage"
)

func TestValidatorTableRoundTrip(t *testing.T) {
	vals := consensustest.Validators(t, 3)
	reg := consensustest.Registry(t, vals, 500)
	require.NoError(t, reg.SetStatus(vals[1].ID, validator.Jailed(4)))
	_, err := reg.AdjustReputation(vals[2].ID, -2_500)
	require.NoError(t, err)

	st := New(storage.NewMemDB())
	restored, ok, err := st.RestoreRegistry()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, restored)

	require.NoError(t, st.SaveValidators(reg.Snapshot()))
	restored, ok, err = st.RestoreRegistry()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, reg.Snapshot(), restored.Snapshot())
	require.True(t, reg.TotalActiveStake().Eq(restored.TotalActiveStake()))
}

func TestEpochLog(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	st := New(storage.NewMemDB())
	reg := consensustest.Registry(t, vals, 100)
	mgr, err := epoch.NewManager(consensustest.Config(), reg, epoch.WithStore(st))
	require.NoError(t, err)
	genesis, err := mgr.Genesis(epoch.Boundary{Height: 1, Timestamp: 1}, types.HashBytes([]byte("genesis")))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		cur := mgr.Current()
		_, err := mgr.Rotate(epoch.Boundary{Height: cur.EndHeight() + 1, Timestamp: cur.EndHeight() + 1}, types.AggregatedAdvisory{}, epoch.HealthyMetrics())
		require.NoError(t, err)
	}

	all, err := st.LoadEpochs(0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, genesis.SnapshotDigest(), all[0].SnapshotDigest())
	require.Equal(t, mgr.Current().Seed(), all[3].Seed())

	recent, err := st.LoadEpochs(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, uint64(2), recent[0].Number())

	// Re-appending the same state is a no-op; a different one is refused.
	require.NoError(t, st.AppendEpoch(all[1]))
	require.ErrorIs(t, st.AppendEpoch(consensustest.State(t, 1, types.ModePoS, vals[:3], 100)), ErrExists)
}

func TestCertificateLog(t *testing.T) {
	st := New(storage.NewMemDB())
	certs, err := st.LoadCertificates(0)
	require.NoError(t, err)
	require.Empty(t, certs)

	for _, h := range []uint64{5, 6, 8} {
		require.NoError(t, st.AppendCertificate(&types.FinalityCertificate{Height: h, Mode: types.ModePBFT, BlockHash: types.HashBytes([]byte{byte(h)})}))
	}
	certs, err = st.LoadCertificates(0)
	require.NoError(t, err)
	require.Len(t, certs, 3)
	require.Equal(t, uint64(8), certs[2].Height)

	certs, err = st.LoadCertificates(6)
	require.NoError(t, err)
	require.Len(t, certs, 2)

	got, err := st.Certificate(6)
	require.NoError(t, err)
	require.Equal(t, types.HashBytes([]byte{6}), got.BlockHash)
	_, err = st.Certificate(7)
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = st.AppendCertificate(&types.FinalityCertificate{Height: 6, Mode: types.ModePBFT, BlockHash: types.HashBytes([]byte("other"))})
	require.ErrorIs(t, err, types.ErrConflictingCertificate)

	// A later quorum for the same block keeps the first record.
	require.NoError(t, st.AppendCertificate(&types.FinalityCertificate{Height: 6, View: 3, Mode: types.ModePBFT, BlockHash: types.HashBytes([]byte{6})}))
	got, err = st.Certificate(6)
	require.NoError(t, err)
	require.Zero(t, got.View)
}
