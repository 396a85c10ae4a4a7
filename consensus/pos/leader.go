package pos

import (
	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

// Leader draws the slot leader for (height, round) with probability
// proportional to active stake. The draw only depends on the epoch seed and
// snapshot, so every node agrees on it.
func Leader(state *epoch.State, height, round uint64) types.ValidatorID {
	active := state.ActiveValidators()
	if len(active) == 0 {
		return types.ValidatorID{}
	}
	total := state.TotalActiveStake()
	if total.IsZero() {
		return active[(height+round)%uint64(len(active))]
	}
	seed := state.Seed()
	draw := types.HashBytes([]byte("adaptivechain/pos-leader"), seed[:], types.Uint64Bytes(height), types.Uint64Bytes(round))
	ticket := new(uint256.Int).SetBytes(draw[:])
	ticket.Mod(ticket, total)

	cumulative := new(uint256.Int)
	for _, id := range active {
		cumulative.Add(cumulative, state.StakeOf(id))
		if ticket.Lt(cumulative) {
			return id
		}
	}
	return active[len(active)-1]
}
