package types

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// ValidatorSignature binds a signature to the validator that produced it.
type ValidatorSignature struct {
	Validator ValidatorID
	Signature []byte
}

// SortSignatures orders signatures by validator id so certificates are
// byte-identical across nodes.
func SortSignatures(sigs []ValidatorSignature) {
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].Validator.Compare(sigs[j].Validator) < 0
	})
}

func cloneSignatures(sigs []ValidatorSignature) []ValidatorSignature {
	if len(sigs) == 0 {
		return nil
	}
	out := make([]ValidatorSignature, len(sigs))
	for i := range sigs {
		out[i] = ValidatorSignature{
			Validator: sigs[i].Validator,
			Signature: append([]byte(nil), sigs[i].Signature...),
		}
	}
	return out
}

// FinalityCertificate proves a block is irreversible. BFT certificates carry
// a quorum of signatures over FinalityDigest; EmergencyPoW certificates carry
// the solution nonce and are issued once the block is buried by the finality
// depth or covered by a later quorum certificate.
type FinalityCertificate struct {
	Height     uint64
	Epoch      uint64
	View       uint64
	Mode       ConsensusMode
	BlockHash  Hash
	Signatures []ValidatorSignature
	PoWNonce   uint64
}

func (c *FinalityCertificate) Clone() *FinalityCertificate {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Signatures = cloneSignatures(c.Signatures)
	return &clone
}

// Signers lists the validators whose signatures the certificate carries.
func (c *FinalityCertificate) Signers() []ValidatorID {
	out := make([]ValidatorID, len(c.Signatures))
	for i := range c.Signatures {
		out[i] = c.Signatures[i].Validator
	}
	return out
}

func (c *FinalityCertificate) String() string {
	return fmt.Sprintf("cert{height=%d epoch=%d mode=%s block=%s sigs=%d}", c.Height, c.Epoch, c.Mode, c.BlockHash, len(c.Signatures))
}

func EncodeCertificate(c *FinalityCertificate) ([]byte, error) {
	return rlp.EncodeToBytes(c)
}

func DecodeCertificate(data []byte) (*FinalityCertificate, error) {
	var c FinalityCertificate
	if err := rlp.DecodeBytes(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode certificate: %v", ErrInvalidMessage, err)
	}
	return &c, nil
}

// CommittedBlock is what an engine hands back once a block reaches its
// protocol's decision rule. BFT blocks are final immediately; EmergencyPoW
// blocks are Tentative until the finality manager buries them.
type CommittedBlock struct {
	Block      *Block
	Mode       ConsensusMode
	Epoch      uint64
	View       uint64
	Signatures []ValidatorSignature
	PoWNonce   uint64
	Tentative  bool
}

// Certificate converts a BFT decision into its finality certificate.
func (c *CommittedBlock) Certificate() *FinalityCertificate {
	return &FinalityCertificate{
		Height:     c.Block.Height,
		Epoch:      c.Epoch,
		View:       c.View,
		Mode:       c.Mode,
		BlockHash:  c.Block.Hash(),
		Signatures: cloneSignatures(c.Signatures),
		PoWNonce:   c.PoWNonce,
	}
}
