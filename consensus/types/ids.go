package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"

	"adaptivechain/crypto"
)

// ValidatorID is the 20-byte address derived from a validator's public key.
type ValidatorID [20]byte

// ValidatorIDFromPublicKey derives the identity bound to an encoded public key.
func ValidatorIDFromPublicKey(pub []byte) (ValidatorID, error) {
	addr, err := crypto.AddressFromPublicKey(pub)
	if err != nil {
		return ValidatorID{}, err
	}
	return ValidatorID(addr), nil
}

// String renders the id as a bech32 validator address.
func (id ValidatorID) String() string {
	return crypto.NewAddress(crypto.ValidatorPrefix, id[:]).String()
}

// Hex renders the raw id bytes.
func (id ValidatorID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ValidatorID) IsZero() bool {
	return id == ValidatorID{}
}

// Compare orders ids by their raw bytes.
func (id ValidatorID) Compare(other ValidatorID) int {
	return bytes.Compare(id[:], other[:])
}

// ParseValidatorID accepts either a bech32 validator address or raw hex.
func ParseValidatorID(value string) (ValidatorID, error) {
	var id ValidatorID
	if addr, err := crypto.DecodeAddress(value); err == nil {
		copy(id[:], addr.Bytes())
		return id, nil
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != len(id) {
		return id, ErrUnknownValidator
	}
	copy(id[:], raw)
	return id, nil
}

// Hash is a 32-byte blake3 digest.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Bytes() []byte {
	return append([]byte(nil), h[:]...)
}

// HashBytes digests the concatenation of parts.
func HashBytes(parts ...[]byte) Hash {
	hasher := blake3.New(32, nil)
	for _, part := range parts {
		_, _ = hasher.Write(part)
	}
	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

func Uint64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
