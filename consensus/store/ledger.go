package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"adaptivechain/consensus/types"
	"adaptivechain/storage"
)

// DefaultMaxClockSkew bounds how far a proposed block timestamp may run
// ahead of the local clock.
const DefaultMaxClockSkew = 15 * time.Second

var (
	blockPrefix  = []byte("chain/block/")
	blockHeadKey = []byte("chain/head")
)

// ErrOutOfOrder is returned when a commit does not extend the ledger head.
var ErrOutOfOrder = errors.New("ledger: block does not extend head")

// PayloadFunc supplies the opaque payload for a block the local validator
// proposes.
type PayloadFunc func(ctx context.Context, height uint64) ([]byte, error)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithPayload installs the payload source used by BuildBlock.
func WithPayload(fn PayloadFunc) LedgerOption {
	return func(l *Ledger) { l.payload = fn }
}

// WithClock overrides the wall clock used for block timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxClockSkew overrides DefaultMaxClockSkew. Zero disables the check.
func WithMaxClockSkew(skew time.Duration) LedgerOption {
	return func(l *Ledger) { l.skew = skew }
}

// Ledger is an append-only log of finalized blocks. It implements
// orchestrator.Ledger and orchestrator.BlockValidator for nodes that do not
// run an execution layer.
type Ledger struct {
	db      storage.Database
	payload PayloadFunc
	now     func() time.Time
	skew    time.Duration

	mu       sync.RWMutex
	height   uint64
	lastHash types.Hash
	lastTime uint64
}

// OpenLedger loads the ledger head from db.
func OpenLedger(db storage.Database, opts ...LedgerOption) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	l := &Ledger{db: db, now: time.Now, skew: DefaultMaxClockSkew}
	for _, opt := range opts {
		opt(l)
	}
	data, err := db.Get(blockHeadKey)
	if errors.Is(err, storage.ErrNotFound) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("ledger: corrupt head")
	}
	head := binary.BigEndian.Uint64(data)
	block, err := l.Block(head)
	if err != nil {
		return nil, fmt.Errorf("ledger: load head %d: %w", head, err)
	}
	l.height = head
	l.lastHash = block.Hash()
	l.lastTime = block.Timestamp
	return l, nil
}

func (l *Ledger) FinalizedHeight() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

func (l *Ledger) LastBlockHash() types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// BuildBlock assembles a proposal on top of parent. The timestamp never runs
// behind the last committed block.
func (l *Ledger) BuildBlock(ctx context.Context, height uint64, parent types.Hash, proposer types.ValidatorID) (*types.Block, error) {
	var payload []byte
	if l.payload != nil {
		p, err := l.payload(ctx, height)
		if err != nil {
			return nil, fmt.Errorf("ledger: payload for %d: %w", height, err)
		}
		payload = p
	}
	ts := uint64(l.now().UnixMilli())
	l.mu.RLock()
	if ts < l.lastTime {
		ts = l.lastTime
	}
	l.mu.RUnlock()
	return &types.Block{
		Height:    height,
		Parent:    parent,
		Timestamp: ts,
		Proposer:  proposer,
		Payload:   payload,
	}, nil
}

// ValidateBlock rejects proposals stamped too far in the future.
func (l *Ledger) ValidateBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("ledger: nil block")
	}
	if l.skew <= 0 {
		return nil
	}
	limit := uint64(l.now().Add(l.skew).UnixMilli())
	if block.Timestamp > limit {
		return fmt.Errorf("ledger: block %d timestamp %d ahead of local clock", block.Height, block.Timestamp)
	}
	return nil
}

// Commit appends block at the next height. cert must certify the block.
func (l *Ledger) Commit(_ context.Context, block *types.Block, cert *types.FinalityCertificate) error {
	if block == nil || cert == nil {
		return fmt.Errorf("ledger: block and certificate required")
	}
	hash := block.Hash()
	if cert.Height != block.Height || cert.BlockHash != hash {
		return fmt.Errorf("ledger: certificate %d/%s does not match block %d/%s", cert.Height, cert.BlockHash, block.Height, hash)
	}
	encoded, err := types.EncodeBlock(block)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if block.Height != l.height+1 {
		return fmt.Errorf("%w: height %d after %d", ErrOutOfOrder, block.Height, l.height)
	}
	if block.Parent != l.lastHash {
		return fmt.Errorf("%w: parent %s, head %s", ErrOutOfOrder, block.Parent, l.lastHash)
	}
	if err := l.db.Put(indexKey(blockPrefix, block.Height), encoded); err != nil {
		return err
	}
	if err := l.db.Put(blockHeadKey, types.Uint64Bytes(block.Height)); err != nil {
		return err
	}
	l.height = block.Height
	l.lastHash = hash
	l.lastTime = block.Timestamp
	return nil
}

// Block returns the committed block at height.
func (l *Ledger) Block(height uint64) (*types.Block, error) {
	data, err := l.db.Get(indexKey(blockPrefix, height))
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(data)
}
