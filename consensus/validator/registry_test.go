package validator_test

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"adaptivechain/consensus/consensustest"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

func sumActive(reg *validator.Registry) *uint256.Int {
	total := new(uint256.Int)
	for _, entry := range reg.Snapshot() {
		if entry.Status.IsActive() {
			total.Add(total, entry.Stake)
		}
	}
	return total
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	vals := consensustest.Validators(t, 2)
	reg := validator.NewRegistry()
	require.NoError(t, reg.Register(vals[0].Identity(100)))
	err := reg.Register(vals[0].Identity(50))
	require.ErrorIs(t, err, validator.ErrDuplicateValidator)
	require.Equal(t, uint64(100), reg.TotalActiveStake().Uint64())
}

func TestRegisterRejectsMismatchedKey(t *testing.T) {
	vals := consensustest.Validators(t, 2)
	identity := vals[0].Identity(10)
	identity.ID = vals[1].ID
	err := validator.NewRegistry().Register(identity)
	require.ErrorIs(t, err, validator.ErrInvalidIdentity)
}

func TestUpdateStakeBounds(t *testing.T) {
	vals := consensustest.Validators(t, 1)
	reg := consensustest.Registry(t, vals, 100)

	stake, err := reg.UpdateStake(vals[0].ID, big.NewInt(-40))
	require.NoError(t, err)
	require.Equal(t, uint64(60), stake.Uint64())

	_, err = reg.UpdateStake(vals[0].ID, big.NewInt(-61))
	require.ErrorIs(t, err, validator.ErrNegativeStake)
	got, _ := reg.Get(vals[0].ID)
	require.Equal(t, uint64(60), got.Stake.Uint64())

	_, err = reg.UpdateStake(types.ValidatorID{0xff}, big.NewInt(1))
	require.True(t, errors.Is(err, types.ErrUnknownValidator))
}

func TestStatusChangesMoveActiveStake(t *testing.T) {
	vals := consensustest.Validators(t, 4)
	reg := consensustest.Registry(t, vals, 100)
	require.Equal(t, uint64(400), reg.TotalActiveStake().Uint64())

	require.NoError(t, reg.SetStatus(vals[1].ID, validator.Jailed(3)))
	require.Equal(t, uint64(300), reg.TotalActiveStake().Uint64())
	require.Equal(t, uint64(400), reg.BondedStake().Uint64())

	require.NoError(t, reg.SetStatus(vals[2].ID, validator.Exited(1)))
	require.Equal(t, uint64(200), reg.TotalActiveStake().Uint64())
	require.Equal(t, uint64(300), reg.BondedStake().Uint64())

	require.Empty(t, reg.ReleaseJailed(2))
	require.Equal(t, []types.ValidatorID{vals[1].ID}, reg.ReleaseJailed(3))
	require.Equal(t, uint64(300), reg.TotalActiveStake().Uint64())

	require.Empty(t, reg.PruneExited(2, 2))
	require.Equal(t, []types.ValidatorID{vals[2].ID}, reg.PruneExited(3, 2))
	require.Equal(t, 3, reg.Len())
}

func TestSnapshotIsDetached(t *testing.T) {
	vals := consensustest.Validators(t, 1)
	reg := consensustest.Registry(t, vals, 100)
	snap := reg.Snapshot()
	snap[0].Stake.SetUint64(1)
	snap[0].PublicKey[1] ^= 0xff
	got, ok := reg.Get(vals[0].ID)
	require.True(t, ok)
	require.Equal(t, uint64(100), got.Stake.Uint64())
	require.Equal(t, vals[0].PublicKey(), got.PublicKey)
}

func TestCloneIsDetached(t *testing.T) {
	vals := consensustest.Validators(t, 2)
	reg := consensustest.Registry(t, vals, 100)
	clone := reg.Clone()
	require.NoError(t, clone.SetStatus(vals[0].ID, validator.Jailed(3)))
	require.Equal(t, uint64(100), clone.TotalActiveStake().Uint64())
	require.Equal(t, uint64(200), reg.TotalActiveStake().Uint64())
	require.NoError(t, clone.Verify())
	require.NoError(t, reg.Verify())
}

func TestAdjustReputationClamps(t *testing.T) {
	vals := consensustest.Validators(t, 1)
	reg := consensustest.Registry(t, vals, 1)
	rep, err := reg.AdjustReputation(vals[0].ID, 500)
	require.NoError(t, err)
	require.Equal(t, validator.MaxReputationBps, rep)
	rep, err = reg.AdjustReputation(vals[0].ID, -20_000)
	require.NoError(t, err)
	require.Zero(t, rep)
}

func TestTotalActiveStakeMatchesSumAfterEveryMutation(t *testing.T) {
	vals := consensustest.Validators(t, 8)
	reg := consensustest.Registry(t, vals, 1_000)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		v := vals[rng.Intn(len(vals))]
		switch rng.Intn(4) {
		case 0:
			_, _ = reg.UpdateStake(v.ID, big.NewInt(int64(rng.Intn(400)-200)))
		case 1:
			_ = reg.SetStatus(v.ID, validator.Jailed(uint64(rng.Intn(5))))
		case 2:
			_ = reg.SetStatus(v.ID, validator.Active())
		case 3:
			reg.ReleaseJailed(uint64(rng.Intn(5)))
		}
		require.True(t, sumActive(reg).Eq(reg.TotalActiveStake()), "iteration %d", i)
		require.NoError(t, reg.Verify())
	}
}
