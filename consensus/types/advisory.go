package types

import "github.com/holiman/uint256"

// MaxScoreBps represents a score of 1.0.
const MaxScoreBps uint32 = 10_000

// BoundedScore is an advisory value clamped to [0,1], held in basis points
// so every node reduces it with integer arithmetic.
type BoundedScore uint32

// ClampScore converts a raw value into a BoundedScore. NaN maps to zero.
func ClampScore(value float64) BoundedScore {
	if value != value || value <= 0 {
		return 0
	}
	if value >= 1 {
		return BoundedScore(MaxScoreBps)
	}
	return BoundedScore(uint32(value*float64(MaxScoreBps) + 0.5))
}

// ClampScoreBps bounds a basis-point value.
func ClampScoreBps(bps uint64) BoundedScore {
	if bps > uint64(MaxScoreBps) {
		return BoundedScore(MaxScoreBps)
	}
	return BoundedScore(bps)
}

func (s BoundedScore) Bps() uint64 { return uint64(s) }

func (s BoundedScore) Float() float64 { return float64(s) / float64(MaxScoreBps) }

// AggregatedAdvisory is the single epoch-scoped advisory input to mode
// selection. Nodes holding the same closed report set compute identical values.
type AggregatedAdvisory struct {
	Epoch          uint64
	Score          BoundedScore
	Reports        int
	ReportingStake *uint256.Int
	Reporters      []ValidatorID
}
