package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/crypto"
)

// Genesis is the initial validator set and the seed of epoch zero.
type Genesis struct {
	ChainID    string             `yaml:"chain_id"`
	Timestamp  uint64             `yaml:"timestamp_ms"`
	Seed       string             `yaml:"seed"`
	Validators []GenesisValidator `yaml:"validators"`
}

// GenesisValidator is one bonded validator at height zero.
type GenesisValidator struct {
	Name          string `yaml:"name"`
	PublicKey     string `yaml:"public_key"`
	Stake         string `yaml:"stake"`
	ReputationBps uint32 `yaml:"reputation_bps"`
}

// LoadGenesis reads and validates a YAML genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	if _, err := g.Identities(); err != nil {
		return nil, err
	}
	return &g, nil
}

// SeedHash derives the epoch zero seed from the chain id and seed phrase.
func (g *Genesis) SeedHash() types.Hash {
	return types.HashBytes([]byte("genesis"), []byte(g.ChainID), []byte(g.Seed))
}

// Identities converts the validator list into registry records. A missing
// reputation defaults to the maximum.
func (g *Genesis) Identities() ([]validator.Identity, error) {
	if len(g.Validators) == 0 {
		return nil, errors.New("genesis: no validators")
	}
	out := make([]validator.Identity, 0, len(g.Validators))
	seen := make(map[types.ValidatorID]struct{}, len(g.Validators))
	for i, v := range g.Validators {
		pub, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(v.PublicKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("genesis: validator %d public key: %w", i, err)
		}
		if _, err := crypto.PublicKeyFromBytes(pub); err != nil {
			return nil, fmt.Errorf("genesis: validator %d public key: %w", i, err)
		}
		id, err := types.ValidatorIDFromPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("genesis: validator %d: %w", i, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("genesis: duplicate validator %s", id)
		}
		seen[id] = struct{}{}
		stake, err := uint256.FromDecimal(strings.TrimSpace(v.Stake))
		if err != nil {
			return nil, fmt.Errorf("genesis: validator %d stake %q: %w", i, v.Stake, err)
		}
		if stake.IsZero() {
			return nil, fmt.Errorf("genesis: validator %d has zero stake", i)
		}
		reputation := v.ReputationBps
		if reputation == 0 {
			reputation = validator.MaxReputationBps
		}
		if reputation > validator.MaxReputationBps {
			return nil, fmt.Errorf("genesis: validator %d reputation %d exceeds %d", i, reputation, validator.MaxReputationBps)
		}
		out = append(out, validator.Identity{
			ID:            id,
			PublicKey:     pub,
			Stake:         stake,
			ReputationBps: reputation,
			Status:        validator.Active(),
		})
	}
	return out, nil
}
