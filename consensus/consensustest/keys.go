// Package consensustest holds fixtures shared by the consensus package tests:
// deterministic validator keys, registries and signed messages.
package consensustest

import (
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/crypto"
)

// Validator bundles a deterministic key with its derived identity.
type Validator struct {
	Key *crypto.PrivateKey
	ID  types.ValidatorID
}

// PublicKey returns the uncompressed public key bytes.
func (v Validator) PublicKey() []byte {
	return v.Key.PubKey().Bytes()
}

// Identity returns a registry identity for v with the given stake.
func (v Validator) Identity(stake uint64) validator.Identity {
	return validator.Identity{
		ID:            v.ID,
		PublicKey:     v.PublicKey(),
		Stake:         uint256.NewInt(stake),
		ReputationBps: validator.MaxReputationBps,
		Status:        validator.Active(),
	}
}

// Validators derives n deterministic validators sorted by id.
func Validators(tb testing.TB, n int) []Validator {
	tb.Helper()
	out := make([]Validator, 0, n)
	for i := 0; i < n; i++ {
		seed := blake3.Sum256([]byte(fmt.Sprintf("validator-%d", i)))
		key, err := crypto.PrivateKeyFromBytes(seed[:])
		if err != nil {
			tb.Fatalf("derive key %d: %v", i, err)
		}
		id, err := types.ValidatorIDFromPublicKey(key.PubKey().Bytes())
		if err != nil {
			tb.Fatalf("derive id %d: %v", i, err)
		}
		out = append(out, Validator{Key: key, ID: id})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID.Compare(out[j-1].ID) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Registry registers every validator with an equal stake.
func Registry(tb testing.TB, vals []Validator, stake uint64) *validator.Registry {
	tb.Helper()
	reg := validator.NewRegistry()
	for _, v := range vals {
		if err := reg.Register(v.Identity(stake)); err != nil {
			tb.Fatalf("register %s: %v", v.ID, err)
		}
	}
	return reg
}

// Signed signs msg with v's key and returns it.
func Signed(tb testing.TB, v Validator, msg *types.Message) *types.Message {
	tb.Helper()
	if err := msg.Sign(v.Key); err != nil {
		tb.Fatalf("sign %s: %v", msg.Kind, err)
	}
	return msg
}
