package validator

import (
	"fmt"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/types"
)

// MaxReputationBps is the reputation value representing a score of 1.0.
const MaxReputationBps uint32 = 10_000

// StatusKind enumerates the lifecycle states of a validator.
type StatusKind uint8

const (
	StatusActive StatusKind = iota
	StatusJailed
	StatusSlashed
	StatusExited
)

func (k StatusKind) String() string {
	switch k {
	case StatusActive:
		return "active"
	case StatusJailed:
		return "jailed"
	case StatusSlashed:
		return "slashed"
	case StatusExited:
		return "exited"
	default:
		return fmt.Sprintf("status(%d)", uint8(k))
	}
}

// Status is a validator state. Epoch holds the release epoch for Jailed and
// the exit epoch for Exited; it is zero otherwise.
type Status struct {
	Kind  StatusKind
	Epoch uint64
}

func Active() Status                  { return Status{Kind: StatusActive} }
func Jailed(untilEpoch uint64) Status { return Status{Kind: StatusJailed, Epoch: untilEpoch} }
func Slashed() Status                 { return Status{Kind: StatusSlashed} }
func Exited(atEpoch uint64) Status    { return Status{Kind: StatusExited, Epoch: atEpoch} }

func (s Status) IsActive() bool { return s.Kind == StatusActive }

func (s Status) String() string {
	switch s.Kind {
	case StatusJailed:
		return fmt.Sprintf("jailed(until=%d)", s.Epoch)
	case StatusExited:
		return fmt.Sprintf("exited(at=%d)", s.Epoch)
	default:
		return s.Kind.String()
	}
}

// Identity is a validator's membership record.
type Identity struct {
	ID            types.ValidatorID
	PublicKey     []byte
	Stake         *uint256.Int
	ReputationBps uint32
	Status        Status
}

// Clone returns a deep copy so callers never alias registry state.
func (i Identity) Clone() Identity {
	clone := i
	clone.PublicKey = append([]byte(nil), i.PublicKey...)
	if i.Stake != nil {
		clone.Stake = new(uint256.Int).Set(i.Stake)
	} else {
		clone.Stake = new(uint256.Int)
	}
	return clone
}

// Reputation returns the reputation as a fraction in [0,1]. Consensus
// decisions use ReputationBps directly.
func (i Identity) Reputation() float64 {
	return float64(i.ReputationBps) / float64(MaxReputationBps)
}
