package config

import (
	"fmt"
	"time"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

// Consensus overrides epoch parameters. Zero values keep the defaults from
// epoch.DefaultConfig.
type Consensus struct {
	EpochLength          uint64 `toml:"EpochLength"`
	QuorumBps            uint64 `toml:"QuorumBps"`
	InitialMode          string `toml:"InitialMode"`
	SnapshotHistory      uint64 `toml:"SnapshotHistory"`
	EvidenceWindowEpochs uint64 `toml:"EvidenceWindowEpochs"`
	ExitCooldownEpochs   uint64 `toml:"ExitCooldownEpochs"`
	MaxViewChanges       uint64 `toml:"MaxViewChanges"`
	FinalityDepth        uint64 `toml:"FinalityDepth"`
	SlotTimeoutMs        uint64 `toml:"SlotTimeoutMs"`

	Slashing  Slashing  `toml:"slashing"`
	Emergency Emergency `toml:"emergency"`
	PoW       PoW       `toml:"pow"`
}

// Slashing overrides the penalty schedule.
type Slashing struct {
	DoubleSignBps          uint64 `toml:"DoubleSignBps"`
	DowntimeBps            uint64 `toml:"DowntimeBps"`
	InvalidBlockBps        uint64 `toml:"InvalidBlockBps"`
	DowntimeJailEpochs     uint64 `toml:"DowntimeJailEpochs"`
	InvalidBlockJailEpochs uint64 `toml:"InvalidBlockJailEpochs"`
	ReputationPenaltyBps   uint64 `toml:"ReputationPenaltyBps"`
}

// Emergency overrides the EmergencyPoW entry and exit thresholds.
type Emergency struct {
	EnterActiveStakeBps uint64 `toml:"EnterActiveStakeBps"`
	EnterOnlineBps      uint64 `toml:"EnterOnlineBps"`
	ExitActiveStakeBps  uint64 `toml:"ExitActiveStakeBps"`
	ExitOnlineBps       uint64 `toml:"ExitOnlineBps"`
}

type PoW struct {
	TargetIntervalMillis uint64 `toml:"TargetIntervalMillis"`
	InitialDifficulty    uint64 `toml:"InitialDifficulty"`
	RetargetWindow       uint64 `toml:"RetargetWindow"`
}

// EpochConfig merges the overrides into epoch.DefaultConfig and validates
// the result.
func (c Consensus) EpochConfig() (epoch.Config, error) {
	cfg := epoch.DefaultConfig()
	override(&cfg.Length, c.EpochLength)
	override(&cfg.QuorumBps, c.QuorumBps)
	override(&cfg.SnapshotHistory, c.SnapshotHistory)
	override(&cfg.EvidenceWindowEpochs, c.EvidenceWindowEpochs)
	override(&cfg.ExitCooldownEpochs, c.ExitCooldownEpochs)
	override(&cfg.MaxViewChanges, c.MaxViewChanges)
	override(&cfg.FinalityDepth, c.FinalityDepth)
	if c.SlotTimeoutMs > 0 {
		cfg.SlotTimeout = time.Duration(c.SlotTimeoutMs) * time.Millisecond
	}
	if c.InitialMode != "" {
		mode, err := types.ParseConsensusMode(c.InitialMode)
		if err != nil {
			return epoch.Config{}, fmt.Errorf("consensus.InitialMode: %w", err)
		}
		cfg.InitialMode = mode
	}

	override(&cfg.Slashing.DoubleSignBps, c.Slashing.DoubleSignBps)
	override(&cfg.Slashing.DowntimeBps, c.Slashing.DowntimeBps)
	override(&cfg.Slashing.InvalidBlockBps, c.Slashing.InvalidBlockBps)
	override(&cfg.Slashing.DowntimeJailEpochs, c.Slashing.DowntimeJailEpochs)
	override(&cfg.Slashing.InvalidBlockJailEpochs, c.Slashing.InvalidBlockJailEpochs)
	override(&cfg.Slashing.ReputationPenaltyBps, c.Slashing.ReputationPenaltyBps)

	override(&cfg.Emergency.EnterActiveStakeBps, c.Emergency.EnterActiveStakeBps)
	override(&cfg.Emergency.EnterOnlineBps, c.Emergency.EnterOnlineBps)
	override(&cfg.Emergency.ExitActiveStakeBps, c.Emergency.ExitActiveStakeBps)
	override(&cfg.Emergency.ExitOnlineBps, c.Emergency.ExitOnlineBps)

	override(&cfg.PoW.TargetIntervalMillis, c.PoW.TargetIntervalMillis)
	override(&cfg.PoW.InitialDifficulty, c.PoW.InitialDifficulty)
	override(&cfg.PoW.RetargetWindow, c.PoW.RetargetWindow)

	if err := cfg.Validate(); err != nil {
		return epoch.Config{}, err
	}
	return cfg, nil
}

func override(dst *uint64, value uint64) {
	if value != 0 {
		*dst = value
	}
}
