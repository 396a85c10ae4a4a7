package types

import (
	"fmt"
	"strings"
)

// ConsensusMode identifies which agreement protocol drives an epoch.
type ConsensusMode uint8

const (
	ModePoS ConsensusMode = iota + 1
	ModePBFT
	ModeEmergencyPoW
)

func (m ConsensusMode) String() string {
	switch m {
	case ModePoS:
		return "pos"
	case ModePBFT:
		return "pbft"
	case ModeEmergencyPoW:
		return "emergency_pow"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m ConsensusMode) Valid() bool {
	return m >= ModePoS && m <= ModeEmergencyPoW
}

// ParseConsensusMode accepts the String form of a mode.
func ParseConsensusMode(value string) (ConsensusMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pos":
		return ModePoS, nil
	case "pbft", "bft":
		return ModePBFT, nil
	case "emergency_pow", "pow":
		return ModeEmergencyPoW, nil
	}
	return 0, fmt.Errorf("unknown consensus mode %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (m ConsensusMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ConsensusMode) UnmarshalText(text []byte) error {
	parsed, err := ParseConsensusMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
