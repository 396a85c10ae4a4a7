package epoch

import (
	"errors"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/types"
)

// ErrInsufficientActiveStake means active stake cannot form a BFT quorum of
// the bonded stake. The manager answers it by entering EmergencyPoW.
var ErrInsufficientActiveStake = errors.New("epoch: insufficient active stake")

// Mode selection reasons recorded on each epoch state.
const (
	ReasonGenesis           = "genesis"
	ReasonInsufficientStake = "insufficient_active_stake"
	ReasonLowActiveStake    = "active_stake_below_threshold"
	ReasonLowResponsiveness = "responsiveness_below_threshold"
	ReasonEmergencyDwell    = "emergency_dwell"
	ReasonRecovered         = "emergency_recovered"
	ReasonStressed          = "network_stressed"
	ReasonHealthy           = "network_healthy"
	ReasonHysteresis        = "hysteresis"
)

// Inputs are the deterministic facts mode selection reads.
type Inputs struct {
	ActiveStake *uint256.Int
	BondedStake *uint256.Int
	Metrics     NetworkMetrics
	Advisory    types.BoundedScore
}

// Decision is the outcome of SelectMode.
type Decision struct {
	Mode   types.ConsensusMode
	Reason string
}

// ActiveStakeBps returns floor(active * 10000 / bonded), or zero when nothing
// is bonded.
func ActiveStakeBps(active, bonded *uint256.Int) uint64 {
	if active == nil || bonded == nil || bonded.IsZero() {
		return 0
	}
	ratio := new(uint256.Int).Mul(active, uint256.NewInt(BasisPoints))
	ratio.Div(ratio, bonded)
	if !ratio.IsUint64() || ratio.Uint64() > BasisPoints {
		return BasisPoints
	}
	return ratio.Uint64()
}

// SelectMode picks the consensus mode for the next epoch. It only uses
// integer arithmetic over its arguments so every node reaches the same
// answer. ErrInsufficientActiveStake and ErrInvalidConfig are returned
// without a decision.
func SelectMode(cfg Config, prev types.ConsensusMode, in Inputs) (Decision, error) {
	if err := cfg.Validate(); err != nil {
		return Decision{}, err
	}
	activeBps := ActiveStakeBps(in.ActiveStake, in.BondedStake)
	if activeBps == 0 || activeBps < cfg.QuorumBps {
		return Decision{}, ErrInsufficientActiveStake
	}
	online := in.Metrics.OnlineBps
	em := cfg.Emergency

	if prev == types.ModeEmergencyPoW {
		if activeBps >= em.ExitActiveStakeBps && online >= em.ExitOnlineBps {
			return Decision{Mode: types.ModePBFT, Reason: ReasonRecovered}, nil
		}
		return Decision{Mode: types.ModeEmergencyPoW, Reason: ReasonEmergencyDwell}, nil
	}
	if activeBps < em.EnterActiveStakeBps {
		return Decision{Mode: types.ModeEmergencyPoW, Reason: ReasonLowActiveStake}, nil
	}
	if online < em.EnterOnlineBps {
		return Decision{Mode: types.ModeEmergencyPoW, Reason: ReasonLowResponsiveness}, nil
	}

	sw := cfg.Switching
	m := in.Metrics
	advisory := in.Advisory.Bps()
	if m.TimeoutRateBps >= sw.PBFTTimeoutRateBps || m.LatencyMillis >= sw.PBFTLatencyMillis || advisory >= sw.PBFTAdvisoryBps {
		return Decision{Mode: types.ModePBFT, Reason: ReasonStressed}, nil
	}
	if m.TimeoutRateBps <= sw.PoSTimeoutRateBps && m.LatencyMillis <= sw.PoSLatencyMillis && advisory <= sw.PoSAdvisoryBps {
		return Decision{Mode: types.ModePoS, Reason: ReasonHealthy}, nil
	}
	if prev != types.ModePoS && prev != types.ModePBFT {
		prev = cfg.InitialMode
	}
	return Decision{Mode: prev, Reason: ReasonHysteresis}, nil
}
