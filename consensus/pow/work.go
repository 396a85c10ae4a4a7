package pow

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

// cancelCheckInterval is how many nonces Solve tries between context checks.
const cancelCheckInterval = 1 << 12

var maxTarget = new(uint256.Int).SetAllOne()

// Target returns floor((2^256-1) / difficulty).
func Target(difficulty uint64) *uint256.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	return new(uint256.Int).Div(maxTarget, uint256.NewInt(difficulty))
}

// SolutionHash digests the encoded block followed by the nonce.
func SolutionHash(block *types.Block, nonce uint64) (types.Hash, error) {
	encoded, err := types.EncodeBlock(block)
	if err != nil {
		return types.Hash{}, err
	}
	return solutionHash(encoded, nonce), nil
}

func solutionHash(encoded []byte, nonce uint64) types.Hash {
	hasher := blake3.New(32, nil)
	_, _ = hasher.Write(encoded)
	_, _ = hasher.Write(types.Uint64Bytes(nonce))
	var out types.Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

// Meets reports whether hash is at or below the target for difficulty.
func Meets(hash types.Hash, difficulty uint64) bool {
	return new(uint256.Int).SetBytes(hash[:]).Cmp(Target(difficulty)) <= 0
}

// Verify checks a solution against difficulty.
func Verify(sol *types.PoWSolution, difficulty uint64) error {
	hash, err := SolutionHash(&sol.Block, sol.Nonce)
	if err != nil {
		return err
	}
	if !Meets(hash, difficulty) {
		return fmt.Errorf("%w: solution for height %d misses difficulty %d", types.ErrInvalidMessage, sol.Block.Height, difficulty)
	}
	return nil
}

// Job is a block template and the difficulty it must meet.
type Job struct {
	Epoch      uint64
	Block      *types.Block
	Difficulty uint64
	StartNonce uint64
}

// Solve searches nonces from job.StartNonce until one meets the difficulty
// or ctx is done. It runs on a worker goroutine, never on the actor.
func Solve(ctx context.Context, job Job) (*types.PoWSolution, error) {
	encoded, err := types.EncodeBlock(job.Block)
	if err != nil {
		return nil, err
	}
	target := Target(job.Difficulty)
	value := new(uint256.Int)
	for nonce := job.StartNonce; ; nonce++ {
		if (nonce-job.StartNonce)%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hash := solutionHash(encoded, nonce)
		if value.SetBytes(hash[:]).Cmp(target) <= 0 {
			return &types.PoWSolution{Block: *job.Block.Clone(), Nonce: nonce}, nil
		}
	}
}

// Retarget adjusts difficulty so the moving average block interval over the
// last window blocks approaches the target interval. Each step is clamped to
// a factor of four and never drops below one.
func Retarget(params epoch.PoWParams, difficulty uint64, timestamps []uint64) uint64 {
	if difficulty == 0 {
		difficulty = 1
	}
	window := params.RetargetWindow
	if window == 0 || uint64(len(timestamps)) < window+1 {
		return difficulty
	}
	last := timestamps[len(timestamps)-1]
	first := timestamps[uint64(len(timestamps))-1-window]
	span := uint64(1)
	if last > first {
		span = last - first
	}
	next := uint256.NewInt(difficulty)
	next.Mul(next, uint256.NewInt(params.TargetIntervalMillis))
	next.Mul(next, uint256.NewInt(window))
	next.Div(next, uint256.NewInt(span))

	upper := new(uint256.Int).Mul(uint256.NewInt(difficulty), uint256.NewInt(4))
	lower := uint256.NewInt(difficulty / 4)
	if next.Gt(upper) {
		next = upper
	}
	if next.Lt(lower) {
		next = lower
	}
	if !next.IsUint64() {
		return ^uint64(0)
	}
	if next.Uint64() == 0 {
		return 1
	}
	return next.Uint64()
}
