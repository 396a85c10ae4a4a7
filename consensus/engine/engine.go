// Package engine defines the contract shared by the per-epoch consensus
// engines and the helpers they have in common.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/crypto"
)

// ErrInvalidBlock marks a proposal whose block fails validation.
var ErrInvalidBlock = fmt.Errorf("%w: invalid block", types.ErrInvalidMessage)

// ErrStopped is returned once an engine has been stopped.
var ErrStopped = errors.New("engine: stopped")

// maxBackoffShift caps the timeout doubling at 64 times the base timeout.
const maxBackoffShift = 6

// Broadcaster delivers consensus messages to peers. The engine has already
// applied its own messages locally, so implementations must not loop them
// back.
type Broadcaster interface {
	Broadcast(msg *types.Message) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(msg *types.Message) error

func (f BroadcasterFunc) Broadcast(msg *types.Message) error { return f(msg) }

// Config is what every engine is built from at an epoch boundary.
type Config struct {
	State  *epoch.State
	Params epoch.Config

	// Height is the first height the engine decides; Parent and ParentTime
	// describe the block finalized just before it.
	Height     uint64
	Parent     types.Hash
	ParentTime uint64

	// Signer is nil on observer nodes.
	Signer      *crypto.PrivateKey
	Broadcaster Broadcaster

	// Validate applies ledger rules to a proposed block. Nil accepts all.
	Validate func(*types.Block) error

	// PoWDifficulty and PoWTimestamps carry retarget state across
	// consecutive emergency epochs.
	PoWDifficulty uint64
	PoWTimestamps []uint64

	Logger *slog.Logger
}

// Slot identifies what the engine is currently deciding.
type Slot struct {
	Epoch  uint64
	Height uint64
	View   uint64
	Leader types.ValidatorID
}

// Timeout returns the timer tag for the slot.
func (s Slot) Timeout() types.Timeout {
	return types.Timeout{Epoch: s.Epoch, Height: s.Height, View: s.View}
}

// Engine is one epoch's consensus protocol. Engines are not safe for
// concurrent use; the orchestrator drives them from a single goroutine and
// hands them only authenticated messages.
type Engine interface {
	Mode() types.ConsensusMode
	Epoch() *epoch.State
	Slot() Slot
	// ShouldPropose reports whether the local node must propose for the
	// current slot and has not yet done so.
	ShouldPropose() bool
	// Propose signs, broadcasts and locally applies a proposal. Engines
	// holding a locked block propose that block instead of the argument.
	Propose(block *types.Block) ([]*types.CommittedBlock, error)
	OnMessage(msg *types.Message) ([]*types.CommittedBlock, error)
	OnTimeout(t types.Timeout) error
	// TimeoutAfter is how long the current slot may take. Zero disables the
	// slot timer.
	TimeoutAfter() time.Duration
	// Done reports whether the epoch's last height has been decided.
	Done() bool
	Stop()
}

// Backoff doubles base for every view, capped at 64 times base.
func Backoff(base time.Duration, view uint64) time.Duration {
	shift := view
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}

// LocalID returns the validator id bound to signer, or the zero id.
func LocalID(signer *crypto.PrivateKey) types.ValidatorID {
	if signer == nil {
		return types.ValidatorID{}
	}
	id, err := types.ValidatorIDFromPublicKey(signer.PubKey().Bytes())
	if err != nil {
		return types.ValidatorID{}
	}
	return id
}

// CheckProposal validates the structural rules every engine applies to a
// proposed block. In views after the first a leader may re-propose a block
// built by an earlier leader, so the proposer need not be the signer.
func CheckProposal(msg *types.Message, height uint64, parent types.Hash, parentTime uint64, validate func(*types.Block) error) (*types.Block, error) {
	if msg.Height != height {
		return nil, fmt.Errorf("%w: message height %d, want %d", ErrInvalidBlock, msg.Height, height)
	}
	block, err := CheckBlock(msg.Payload, msg.Digest, height, parent, parentTime, validate)
	if err != nil {
		return nil, err
	}
	if msg.View == 0 && block.Proposer != msg.Signer {
		return nil, fmt.Errorf("%w: proposer %s signed by %s", ErrInvalidBlock, block.Proposer, msg.Signer)
	}
	return block, nil
}

// CheckBlock decodes payload and checks that it is the block digest names
// and that it extends parent at height.
func CheckBlock(payload []byte, digest types.Hash, height uint64, parent types.Hash, parentTime uint64, validate func(*types.Block) error) (*types.Block, error) {
	block, err := types.DecodeBlock(payload)
	if err != nil {
		return nil, err
	}
	switch {
	case block.Hash() != digest:
		return nil, fmt.Errorf("%w: digest does not match payload", ErrInvalidBlock)
	case block.Height != height:
		return nil, fmt.Errorf("%w: height %d, want %d", ErrInvalidBlock, block.Height, height)
	case block.Parent != parent:
		return nil, fmt.Errorf("%w: parent %s, want %s", ErrInvalidBlock, block.Parent, parent)
	case parentTime != 0 && block.Timestamp < parentTime:
		return nil, fmt.Errorf("%w: timestamp %d before parent %d", ErrInvalidBlock, block.Timestamp, parentTime)
	}
	if validate != nil {
		if err := validate(block); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
	}
	return block, nil
}

// CheckSender applies the epoch and membership rules to an inbound message.
func CheckSender(state *epoch.State, msg *types.Message) error {
	if msg.Epoch != state.Number() {
		return fmt.Errorf("%w: message epoch %d, engine epoch %d", types.ErrEpochMismatch, msg.Epoch, state.Number())
	}
	if msg.Kind.RequiresSignature() && !state.IsActive(msg.Signer) {
		return fmt.Errorf("%w: %s is not active in epoch %d", types.ErrUnknownValidator, msg.Signer, state.Number())
	}
	return nil
}
