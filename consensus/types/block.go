package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Block is the abstract unit consensus agrees on. Payload is opaque to the
// consensus core.
type Block struct {
	Height    uint64
	Parent    Hash
	Timestamp uint64 // unix milliseconds set by the proposer
	Proposer  ValidatorID
	Payload   []byte
}

// Hash digests the RLP encoding of the block.
func (b *Block) Hash() Hash {
	if b == nil {
		return Hash{}
	}
	encoded, err := rlp.EncodeToBytes(b)
	if err != nil {
		panic(fmt.Sprintf("encode block: %v", err))
	}
	return HashBytes([]byte("block"), encoded)
}

func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Payload = append([]byte(nil), b.Payload...)
	return &clone
}

// EncodeBlock serialises a block for message payloads.
func EncodeBlock(b *Block) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil block", ErrInvalidMessage)
	}
	return rlp.EncodeToBytes(b)
}

// DecodeBlock parses a block from a message payload.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("%w: decode block: %v", ErrInvalidMessage, err)
	}
	return &b, nil
}

// PoWSolution is the payload of a PoWSolution message.
type PoWSolution struct {
	Block Block
	Nonce uint64
}

func EncodePoWSolution(s *PoWSolution) ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

func DecodePoWSolution(data []byte) (*PoWSolution, error) {
	var s PoWSolution
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, fmt.Errorf("%w: decode pow solution: %v", ErrInvalidMessage, err)
	}
	return &s, nil
}
