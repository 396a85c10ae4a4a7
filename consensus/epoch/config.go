package epoch

import (
	"fmt"
	"time"

	"adaptivechain/consensus/types"
)

// BasisPoints is the denominator for every ratio in the configuration.
const BasisPoints uint64 = 10_000

// MinQuorumBps is the smallest quorum that is still strictly above two
// thirds of the active stake.
const MinQuorumBps uint64 = 6_667

// Config describes epoch timing, quorum, slashing and mode-switching policy.
// Changes only take effect at an epoch boundary.
type Config struct {
	// Length is the number of blocks that make up a single epoch. The value
	// must be greater than zero.
	Length uint64

	// QuorumBps is the share of active stake required for a certificate.
	QuorumBps uint64

	// InitialMode is the mode used by the genesis epoch when stake allows it.
	InitialMode types.ConsensusMode

	// SnapshotHistory controls how many historical epoch states are retained.
	// A zero value means that all states are retained. The manager never
	// prunes below the evidence window.
	SnapshotHistory uint64

	// EvidenceWindowEpochs bounds how far back slashing evidence is accepted.
	EvidenceWindowEpochs uint64

	// ExitCooldownEpochs is how long exited validators stay in the registry.
	ExitCooldownEpochs uint64

	// MaxViewChanges is the number of consecutive PBFT view changes or PoS
	// rounds tolerated at one height before the node halts.
	MaxViewChanges uint64

	// FinalityDepth is the number of descendants that finalise a PoW block.
	FinalityDepth uint64

	// SlotTimeout is the base PoS slot and PBFT phase timeout. It doubles per
	// consecutive round or view change.
	SlotTimeout time.Duration

	Slashing  SlashingSchedule
	Emergency EmergencyThresholds
	Switching SwitchingThresholds
	PoW       PoWParams
}

// SlashingSchedule expresses penalties as basis points of the offender's
// stake plus jail terms in epochs.
type SlashingSchedule struct {
	DoubleSignBps          uint64
	DowntimeBps            uint64
	InvalidBlockBps        uint64
	DowntimeJailEpochs     uint64
	InvalidBlockJailEpochs uint64
	ReputationPenaltyBps   uint64
}

// EmergencyThresholds control entry into and exit from EmergencyPoW. Exit
// thresholds sit above entry thresholds so the mode does not flap.
type EmergencyThresholds struct {
	EnterActiveStakeBps uint64
	EnterOnlineBps      uint64
	ExitActiveStakeBps  uint64
	ExitOnlineBps       uint64
}

// SwitchingThresholds separate PBFT and PoS. Metrics at or above any PBFT
// threshold select PBFT; metrics at or below every PoS threshold select PoS;
// anything in between keeps the previous mode.
type SwitchingThresholds struct {
	PBFTTimeoutRateBps uint64
	PBFTLatencyMillis  uint64
	PBFTAdvisoryBps    uint64
	PoSTimeoutRateBps  uint64
	PoSLatencyMillis   uint64
	PoSAdvisoryBps     uint64
}

// PoWParams configures the emergency proof-of-work engine.
type PoWParams struct {
	TargetIntervalMillis uint64
	InitialDifficulty    uint64
	RetargetWindow       uint64
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		Length:               100,
		QuorumBps:            MinQuorumBps,
		InitialMode:          types.ModePBFT,
		SnapshotHistory:      64,
		EvidenceWindowEpochs: 8,
		ExitCooldownEpochs:   2,
		MaxViewChanges:       8,
		FinalityDepth:        6,
		SlotTimeout:          2 * time.Second,
		Slashing: SlashingSchedule{
			DoubleSignBps:          500,
			DowntimeBps:            100,
			InvalidBlockBps:        50,
			DowntimeJailEpochs:     2,
			InvalidBlockJailEpochs: 1,
			ReputationPenaltyBps:   1_000,
		},
		Emergency: EmergencyThresholds{
			EnterActiveStakeBps: 8_000,
			EnterOnlineBps:      6_000,
			ExitActiveStakeBps:  9_000,
			ExitOnlineBps:       7_500,
		},
		Switching: SwitchingThresholds{
			PBFTTimeoutRateBps: 2_000,
			PBFTLatencyMillis:  6_000,
			PBFTAdvisoryBps:    7_000,
			PoSTimeoutRateBps:  500,
			PoSLatencyMillis:   3_000,
			PoSAdvisoryBps:     3_000,
		},
		PoW: PoWParams{
			TargetIntervalMillis: 10_000,
			InitialDifficulty:    1 << 16,
			RetargetWindow:       16,
		},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Length == 0 {
		return invalid("epoch length must be greater than zero")
	}
	if c.QuorumBps < MinQuorumBps || c.QuorumBps > BasisPoints {
		return invalid("quorum %d bps must be within [%d, %d]", c.QuorumBps, MinQuorumBps, BasisPoints)
	}
	if c.InitialMode != types.ModePoS && c.InitialMode != types.ModePBFT {
		return invalid("initial mode must be pos or pbft, got %s", c.InitialMode)
	}
	if c.EvidenceWindowEpochs == 0 {
		return invalid("evidence window must be at least one epoch")
	}
	if c.SnapshotHistory != 0 && c.SnapshotHistory <= c.EvidenceWindowEpochs {
		return invalid("snapshot history %d must exceed evidence window %d", c.SnapshotHistory, c.EvidenceWindowEpochs)
	}
	if c.MaxViewChanges == 0 {
		return invalid("max view changes must be greater than zero")
	}
	if c.FinalityDepth == 0 {
		return invalid("finality depth must be greater than zero")
	}
	if c.SlotTimeout <= 0 {
		return invalid("slot timeout must be positive")
	}
	if err := c.Slashing.validate(); err != nil {
		return err
	}
	if err := c.Emergency.validate(); err != nil {
		return err
	}
	if err := c.Switching.validate(); err != nil {
		return err
	}
	return c.PoW.validate()
}

func (s SlashingSchedule) validate() error {
	for name, bps := range map[string]uint64{
		"double sign":   s.DoubleSignBps,
		"downtime":      s.DowntimeBps,
		"invalid block": s.InvalidBlockBps,
		"reputation":    s.ReputationPenaltyBps,
	} {
		if bps > BasisPoints {
			return invalid("%s penalty %d bps exceeds %d", name, bps, BasisPoints)
		}
	}
	if !(s.DoubleSignBps > s.DowntimeBps && s.DowntimeBps > s.InvalidBlockBps) {
		return invalid("penalties must satisfy double sign > downtime > invalid block")
	}
	if s.DowntimeJailEpochs == 0 || s.InvalidBlockJailEpochs == 0 {
		return invalid("jail terms must be at least one epoch")
	}
	return nil
}

func (e EmergencyThresholds) validate() error {
	if e.EnterActiveStakeBps > BasisPoints || e.EnterOnlineBps > BasisPoints ||
		e.ExitActiveStakeBps > BasisPoints || e.ExitOnlineBps > BasisPoints {
		return invalid("emergency thresholds must not exceed %d bps", BasisPoints)
	}
	if e.ExitActiveStakeBps < e.EnterActiveStakeBps || e.ExitOnlineBps < e.EnterOnlineBps {
		return invalid("emergency exit thresholds must not be below entry thresholds")
	}
	return nil
}

func (s SwitchingThresholds) validate() error {
	if s.PBFTTimeoutRateBps > BasisPoints || s.PoSTimeoutRateBps > BasisPoints ||
		s.PBFTAdvisoryBps > BasisPoints || s.PoSAdvisoryBps > BasisPoints {
		return invalid("switching thresholds must not exceed %d bps", BasisPoints)
	}
	if s.PoSTimeoutRateBps >= s.PBFTTimeoutRateBps || s.PoSLatencyMillis >= s.PBFTLatencyMillis ||
		s.PoSAdvisoryBps >= s.PBFTAdvisoryBps {
		return invalid("pos thresholds must sit strictly below pbft thresholds")
	}
	return nil
}

func (p PoWParams) validate() error {
	if p.TargetIntervalMillis == 0 || p.InitialDifficulty == 0 || p.RetargetWindow == 0 {
		return invalid("pow interval, difficulty and retarget window must be positive")
	}
	return nil
}
