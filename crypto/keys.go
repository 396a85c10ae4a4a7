package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// ValidatorPrefix tags consensus validator identities.
	ValidatorPrefix AddressPrefix = "val"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = 65

// DigestLength is the size of the digests that validators sign.
const DigestLength = 32

var (
	errInvalidSignature = errors.New("crypto: invalid signature")
	errInvalidPublicKey = errors.New("crypto: invalid public key")
)

// Address represents a 20-byte validator address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("decoded address has %d bytes, want 20", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != DigestLength {
		return nil, fmt.Errorf("crypto: digest must be %d bytes, got %d", DigestLength, len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(ValidatorPrefix, addrBytes)
}

// Bytes returns the uncompressed 65-byte encoding of the public key.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PublicKeyFromBytes parses an uncompressed secp256k1 public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPublicKey, err)
	}
	return &PublicKey{pub}, nil
}

// AddressFromPublicKey derives the 20-byte address of an encoded public key.
func AddressFromPublicKey(pub []byte) ([20]byte, error) {
	var out [20]byte
	parsed, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", errInvalidPublicKey, err)
	}
	copy(out[:], crypto.PubkeyToAddress(*parsed).Bytes())
	return out, nil
}

// Verify checks a recoverable signature over digest against the encoded
// public key. Malleable (high-s) signatures are rejected.
func Verify(pub, digest, sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: length %d", errInvalidSignature, len(sig))
	}
	if len(digest) != DigestLength {
		return fmt.Errorf("%w: digest length %d", errInvalidSignature, len(digest))
	}
	if len(pub) == 0 {
		return errInvalidPublicKey
	}
	if !crypto.VerifySignature(pub, digest, sig[:64]) {
		return errInvalidSignature
	}
	return nil
}
