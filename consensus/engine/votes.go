package engine

import (
	"bytes"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

// VoteSet tallies one vote per signer and the stake behind each digest.
type VoteSet struct {
	state    *epoch.State
	bySigner map[types.ValidatorID]*types.Message
	stake    map[types.Hash]*uint256.Int
}

func NewVoteSet(state *epoch.State) *VoteSet {
	return &VoteSet{
		state:    state,
		bySigner: make(map[types.ValidatorID]*types.Message),
		stake:    make(map[types.Hash]*uint256.Int),
	}
}

// Add records msg. A repeat of the signer's vote returns false; a vote that
// conflicts with it returns an *types.EquivocationError and is not counted.
func (v *VoteSet) Add(msg *types.Message) (bool, error) {
	if prev, ok := v.bySigner[msg.Signer]; ok {
		if prev.ConflictsWith(msg) {
			return false, &types.EquivocationError{Validator: msg.Signer, First: prev.Clone(), Second: msg.Clone()}
		}
		return false, nil
	}
	v.bySigner[msg.Signer] = msg.Clone()
	total, ok := v.stake[msg.Digest]
	if !ok {
		total = new(uint256.Int)
		v.stake[msg.Digest] = total
	}
	total.Add(total, v.state.StakeOf(msg.Signer))
	return true, nil
}

// Voted reports whether signer already has a vote in the set.
func (v *VoteSet) Voted(signer types.ValidatorID) (*types.Message, bool) {
	msg, ok := v.bySigner[signer]
	return msg, ok
}

func (v *VoteSet) Stake(digest types.Hash) *uint256.Int {
	if total, ok := v.stake[digest]; ok {
		return new(uint256.Int).Set(total)
	}
	return new(uint256.Int)
}

func (v *VoteSet) HasQuorum(digest types.Hash) bool {
	return v.state.HasQuorum(v.Stake(digest))
}

// TotalStake sums every vote regardless of digest.
func (v *VoteSet) TotalStake() *uint256.Int {
	total := new(uint256.Int)
	for _, stake := range v.stake {
		total.Add(total, stake)
	}
	return total
}

// Leading returns the digest with the most stake, ties broken by the lower
// digest.
func (v *VoteSet) Leading() (types.Hash, bool) {
	var (
		best      types.Hash
		bestStake *uint256.Int
	)
	for digest, stake := range v.stake {
		if bestStake == nil || stake.Gt(bestStake) ||
			(stake.Eq(bestStake) && bytes.Compare(digest[:], best[:]) < 0) {
			best, bestStake = digest, stake
		}
	}
	return best, bestStake != nil
}

// Signatures returns the signatures for digest ordered by validator id.
func (v *VoteSet) Signatures(digest types.Hash) []types.ValidatorSignature {
	var out []types.ValidatorSignature
	for signer, msg := range v.bySigner {
		if msg.Digest != digest {
			continue
		}
		out = append(out, types.ValidatorSignature{Validator: signer, Signature: append([]byte(nil), msg.Signature...)})
	}
	types.SortSignatures(out)
	return out
}

// Len is the number of signers.
func (v *VoteSet) Len() int { return len(v.bySigner) }

// Buffer holds messages for heights the engine has not reached yet.
type Buffer struct {
	limit    int
	maxAhead uint64
	msgs     []*types.Message
}

func NewBuffer(limit int, maxAhead uint64) *Buffer {
	return &Buffer{limit: limit, maxAhead: maxAhead}
}

// Hold keeps msg if it is within maxAhead heights of height and the buffer
// has room.
func (b *Buffer) Hold(msg *types.Message, height uint64) bool {
	if msg.Height <= height || msg.Height-height > b.maxAhead || len(b.msgs) >= b.limit {
		return false
	}
	b.msgs = append(b.msgs, msg.Clone())
	return true
}

// Release removes and returns the messages for height, dropping anything
// older.
func (b *Buffer) Release(height uint64) []*types.Message {
	var ready, keep []*types.Message
	for _, msg := range b.msgs {
		switch {
		case msg.Height == height:
			ready = append(ready, msg)
		case msg.Height > height:
			keep = append(keep, msg)
		}
	}
	b.msgs = keep
	return ready
}

func (b *Buffer) Len() int { return len(b.msgs) }
