package penalty

import (
	"errors"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/validator"
)

type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rule binds an evidence kind to its penalty computation.
type Rule struct {
	Kind     evidence.Kind
	Severity Severity
	Compute  PenaltyFunc
}

type PenaltyFunc func(Metadata) Penalty

// Metadata is the offender's state at the time the penalty is applied.
type Metadata struct {
	Stake        *uint256.Int
	Status       validator.Status
	CurrentEpoch uint64
}

// Penalty is what a rule decides: stake to burn, the resulting status and the
// reputation to remove.
type Penalty struct {
	BurnBps       uint64
	Burn          *uint256.Int
	Status        validator.Status
	ReputationBps uint64
}

// Catalog holds one rule per evidence kind.
type Catalog struct {
	rules map[evidence.Kind]Rule
}

// BuildCatalog turns an epoch slashing schedule into rules. Double signing
// slashes permanently; downtime and invalid blocks jail for a fixed term.
func BuildCatalog(schedule epoch.SlashingSchedule) (*Catalog, error) {
	if schedule.DoubleSignBps > epoch.BasisPoints || schedule.ReputationPenaltyBps > epoch.BasisPoints {
		return nil, errors.New("penalty: schedule exceeds 100%")
	}
	if !(schedule.DoubleSignBps > schedule.DowntimeBps && schedule.DowntimeBps > schedule.InvalidBlockBps) {
		return nil, errors.New("penalty: schedule must order double sign > downtime > invalid block")
	}
	rules := map[evidence.Kind]Rule{}
	rules[evidence.KindDoubleSign] = Rule{
		Kind:     evidence.KindDoubleSign,
		Severity: SeverityCritical,
		Compute: func(meta Metadata) Penalty {
			return Penalty{
				BurnBps:       schedule.DoubleSignBps,
				Burn:          scaleByBps(meta.Stake, schedule.DoubleSignBps),
				Status:        validator.Slashed(),
				ReputationBps: schedule.ReputationPenaltyBps,
			}
		},
	}
	rules[evidence.KindDowntime] = Rule{
		Kind:     evidence.KindDowntime,
		Severity: SeverityMedium,
		Compute: func(meta Metadata) Penalty {
			return Penalty{
				BurnBps:       schedule.DowntimeBps,
				Burn:          scaleByBps(meta.Stake, schedule.DowntimeBps),
				Status:        jail(meta, schedule.DowntimeJailEpochs),
				ReputationBps: schedule.ReputationPenaltyBps / 2,
			}
		},
	}
	rules[evidence.KindInvalidBlock] = Rule{
		Kind:     evidence.KindInvalidBlock,
		Severity: SeverityHigh,
		Compute: func(meta Metadata) Penalty {
			return Penalty{
				BurnBps:       schedule.InvalidBlockBps,
				Burn:          scaleByBps(meta.Stake, schedule.InvalidBlockBps),
				Status:        jail(meta, schedule.InvalidBlockJailEpochs),
				ReputationBps: schedule.ReputationPenaltyBps / 2,
			}
		},
	}
	return &Catalog{rules: rules}, nil
}

func (c *Catalog) Rule(kind evidence.Kind) (Rule, bool) {
	if c == nil {
		return Rule{}, false
	}
	rule, ok := c.rules[kind]
	return rule, ok
}

// jail never shortens an existing term and never lifts a slash or exit.
func jail(meta Metadata, term uint64) validator.Status {
	until := meta.CurrentEpoch + term
	switch meta.Status.Kind {
	case validator.StatusSlashed, validator.StatusExited:
		return meta.Status
	case validator.StatusJailed:
		if meta.Status.Epoch > until {
			return meta.Status
		}
	}
	return validator.Jailed(until)
}

func scaleByBps(value *uint256.Int, bps uint64) *uint256.Int {
	if value == nil || value.IsZero() || bps == 0 {
		return new(uint256.Int)
	}
	scaled := new(uint256.Int).Mul(value, uint256.NewInt(bps))
	return scaled.Div(scaled, uint256.NewInt(epoch.BasisPoints))
}
