package consensustest

import (
	"testing"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

// Config returns the default epoch config with short epochs.
func Config() epoch.Config {
	cfg := epoch.DefaultConfig()
	cfg.Length = 10
	return cfg
}

// State freezes vals with equal stake into an epoch state starting at
// height 1.
func State(tb testing.TB, number uint64, mode types.ConsensusMode, vals []Validator, stake uint64) *epoch.State {
	tb.Helper()
	snapshot := make([]epoch.ValidatorSnapshot, len(vals))
	for i, v := range vals {
		snapshot[i] = epoch.ValidatorSnapshot{
			ID:        v.ID,
			PublicKey: v.PublicKey(),
			Stake:     uint256.NewInt(stake),
			Status:    validator.Active(),
		}
	}
	state, err := epoch.NewState(epoch.Params{
		Number:      number,
		Mode:        mode,
		StartHeight: 1,
		Length:      Config().Length,
		QuorumBps:   epoch.MinQuorumBps,
		Seed:        types.HashBytes([]byte("test-seed")),
		Validators:  snapshot,
	})
	if err != nil {
		tb.Fatalf("new epoch state: %v", err)
	}
	return state
}
