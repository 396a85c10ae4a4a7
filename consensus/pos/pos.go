// Package pos implements the stake-weighted proposer engine used when the
// network is healthy: one proposal per slot and a single round of votes.
package pos

import (
	"fmt"
	"log/slog"
	"time"

	"adaptivechain/consensus/engine"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

const (
	bufferLimit    = 4096
	bufferMaxAhead = 2
)

// Engine is the PoS state machine for one epoch. A validator votes for at
// most one block per height; later rounds can only gather more votes for it.
// Votes carry the block they endorse, so a leader of a later round can
// re-propose the leading block even if the original proposal never reached
// it.
type Engine struct {
	cfg    engine.Config
	state  *epoch.State
	local  types.ValidatorID
	logger *slog.Logger

	height     uint64
	round      uint64
	parent     types.Hash
	parentTime uint64

	proposals  map[uint64]*types.Message
	blocks     map[types.Hash]*types.Block
	votes      *engine.VoteSet
	voted      *types.Hash
	voteRounds map[uint64]bool
	proposed   map[uint64]bool

	future  *engine.Buffer
	out     []*types.CommittedBlock
	done    bool
	stopped bool
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg engine.Config) (*Engine, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("pos: epoch state required")
	}
	if !cfg.State.Contains(cfg.Height) {
		return nil, fmt.Errorf("pos: height %d outside epoch %d", cfg.Height, cfg.State.Number())
	}
	if len(cfg.State.ActiveValidators()) == 0 {
		return nil, fmt.Errorf("%w: epoch %d has no active validators", types.ErrInvalidConfig, cfg.State.Number())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		state:      cfg.State,
		local:      engine.LocalID(cfg.Signer),
		logger:     logger.With(slog.String("engine", "pos"), slog.Uint64("epoch", cfg.State.Number())),
		parent:     cfg.Parent,
		parentTime: cfg.ParentTime,
		future:     engine.NewBuffer(bufferLimit, bufferMaxAhead),
	}
	e.reset(cfg.Height)
	return e, nil
}

func (e *Engine) Mode() types.ConsensusMode { return types.ModePoS }
func (e *Engine) Epoch() *epoch.State       { return e.state }
func (e *Engine) Done() bool                { return e.done }
func (e *Engine) Stop()                     { e.stopped = true }

func (e *Engine) Slot() engine.Slot {
	return engine.Slot{Epoch: e.state.Number(), Height: e.height, View: e.round, Leader: Leader(e.state, e.height, e.round)}
}

func (e *Engine) TimeoutAfter() time.Duration {
	return engine.Backoff(e.cfg.Params.SlotTimeout, e.round)
}

func (e *Engine) canSign() bool {
	return e.cfg.Signer != nil && e.state.IsActive(e.local)
}

func (e *Engine) ShouldPropose() bool {
	return !e.done && !e.stopped && e.canSign() &&
		Leader(e.state, e.height, e.round) == e.local &&
		!e.proposed[e.round] && e.proposals[e.round] == nil
}

// Propose re-proposes the block this node voted for, or the block with the
// most votes it knows, before falling back to block.
func (e *Engine) Propose(block *types.Block) ([]*types.CommittedBlock, error) {
	if e.stopped {
		return nil, engine.ErrStopped
	}
	if !e.ShouldPropose() {
		return nil, fmt.Errorf("%w: %s does not lead height %d round %d", types.ErrNotLeader, e.local, e.height, e.round)
	}
	if e.voted != nil && e.blocks[*e.voted] != nil {
		block = e.blocks[*e.voted]
	} else if digest, ok := e.votes.Leading(); ok && e.blocks[digest] != nil {
		block = e.blocks[digest]
	}
	if block == nil {
		return nil, fmt.Errorf("%w: nil block", types.ErrInvalidMessage)
	}
	payload, err := types.EncodeBlock(block)
	if err != nil {
		return nil, err
	}
	e.proposed[e.round] = true
	e.send(&types.Message{Kind: types.KindPropose, View: e.round, Digest: block.Hash(), Payload: payload})
	return e.drain(), nil
}

func (e *Engine) OnMessage(msg *types.Message) ([]*types.CommittedBlock, error) {
	if e.stopped {
		return nil, engine.ErrStopped
	}
	if err := engine.CheckSender(e.state, msg); err != nil {
		return nil, err
	}
	if e.done || msg.Height < e.height {
		return nil, fmt.Errorf("%w: %s for height %d at height %d", types.ErrStaleMessage, msg.Kind, msg.Height, e.height)
	}
	if msg.Height > e.height {
		if !e.future.Hold(msg, e.height) {
			return nil, fmt.Errorf("%w: %s for height %d too far ahead of %d", types.ErrStaleMessage, msg.Kind, msg.Height, e.height)
		}
		return nil, nil
	}
	err := e.handle(msg)
	return e.drain(), err
}

// OnTimeout moves to the next round of the current height. Past
// MaxViewChanges rounds it reports types.ErrViewChangeCeiling.
func (e *Engine) OnTimeout(t types.Timeout) error {
	if e.stopped || e.done {
		return nil
	}
	if t.Epoch != e.state.Number() || t.Height != e.height || t.View != e.round {
		return nil
	}
	if e.round+1 > e.cfg.Params.MaxViewChanges {
		return fmt.Errorf("%w: height %d would enter round %d", types.ErrViewChangeCeiling, e.height, e.round+1)
	}
	e.round++
	e.logger.Warn("slot timed out", slog.Uint64("height", e.height), slog.Uint64("round", e.round),
		slog.String("leader", Leader(e.state, e.height, e.round).String()))
	return nil
}

func (e *Engine) handle(msg *types.Message) error {
	switch msg.Kind {
	case types.KindPropose:
		return e.onPropose(msg)
	case types.KindPoSVote:
		return e.onVote(msg)
	default:
		return fmt.Errorf("%w: pos cannot handle %s", types.ErrUnknownKind, msg.Kind)
	}
}

func (e *Engine) onPropose(msg *types.Message) error {
	if msg.View < e.round {
		return fmt.Errorf("%w: proposal for round %d in round %d", types.ErrStaleMessage, msg.View, e.round)
	}
	if msg.View > e.cfg.Params.MaxViewChanges {
		return fmt.Errorf("%w: proposal for round %d past ceiling %d", types.ErrInvalidMessage, msg.View, e.cfg.Params.MaxViewChanges)
	}
	if leader := Leader(e.state, e.height, msg.View); msg.Signer != leader {
		return fmt.Errorf("%w: %s proposed, leader is %s", types.ErrNotLeader, msg.Signer, leader)
	}
	if existing := e.proposals[msg.View]; existing != nil {
		if existing.ConflictsWith(msg) {
			return &types.EquivocationError{Validator: msg.Signer, First: existing.Clone(), Second: msg.Clone()}
		}
		return nil
	}
	block, err := engine.CheckProposal(msg, e.height, e.parent, e.parentTime, e.cfg.Validate)
	if err != nil {
		return err
	}
	// A valid proposal from the leader of a later round means our clock lags.
	e.round = msg.View
	e.proposals[msg.View] = msg.Clone()
	e.blocks[msg.Digest] = block

	if e.canSign() && !e.voteRounds[msg.View] && (e.voted == nil || *e.voted == msg.Digest) {
		digest := msg.Digest
		e.voted = &digest
		e.voteRounds[msg.View] = true
		e.send(&types.Message{Kind: types.KindPoSVote, View: msg.View, Digest: msg.Digest, Payload: msg.Payload})
		return nil
	}
	e.checkFinal()
	return nil
}

func (e *Engine) onVote(msg *types.Message) error {
	if len(msg.Payload) > 0 && e.blocks[msg.Digest] == nil {
		block, err := engine.CheckBlock(msg.Payload, msg.Digest, e.height, e.parent, e.parentTime, nil)
		if err != nil {
			return err
		}
		if e.cfg.Validate == nil || e.cfg.Validate(block) == nil {
			e.blocks[msg.Digest] = block
		}
	}
	if _, err := e.votes.Add(msg); err != nil {
		return err
	}
	e.checkFinal()
	return nil
}

func (e *Engine) checkFinal() {
	if e.done {
		return
	}
	digest, ok := e.votes.Leading()
	if !ok || !e.votes.HasQuorum(digest) {
		return
	}
	block := e.blocks[digest]
	if block == nil {
		return
	}
	committed := &types.CommittedBlock{
		Block:      block.Clone(),
		Mode:       types.ModePoS,
		Epoch:      e.state.Number(),
		View:       e.round,
		Signatures: e.votes.Signatures(digest),
	}
	e.out = append(e.out, committed)
	e.logger.Info("block finalized", slog.Uint64("height", block.Height), slog.Uint64("round", e.round),
		slog.String("hash", digest.String()), slog.Int("signatures", len(committed.Signatures)))
	e.parent = digest
	e.parentTime = block.Timestamp
	e.reset(e.height + 1)
}

func (e *Engine) reset(height uint64) {
	e.height = height
	e.round = 0
	e.proposals = make(map[uint64]*types.Message)
	e.blocks = make(map[types.Hash]*types.Block)
	e.votes = engine.NewVoteSet(e.state)
	e.voted = nil
	e.voteRounds = make(map[uint64]bool)
	e.proposed = make(map[uint64]bool)
	if height > e.state.EndHeight() {
		e.done = true
		return
	}
	for _, msg := range e.future.Release(height) {
		if err := e.handle(msg); err != nil {
			e.logger.Debug("buffered message rejected", slog.String("kind", msg.Kind.String()), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) send(msg *types.Message) {
	msg.Epoch = e.state.Number()
	msg.Height = e.height
	if err := msg.Sign(e.cfg.Signer); err != nil {
		e.logger.Error("sign message", slog.String("kind", msg.Kind.String()), slog.String("error", err.Error()))
		return
	}
	if e.cfg.Broadcaster != nil {
		if err := e.cfg.Broadcaster.Broadcast(msg.Clone()); err != nil {
			e.logger.Warn("broadcast failed", slog.String("kind", msg.Kind.String()), slog.String("error", err.Error()))
		}
	}
	if err := e.handle(msg); err != nil {
		e.logger.Error("local message rejected", slog.String("kind", msg.Kind.String()), slog.String("error", err.Error()))
	}
}

func (e *Engine) drain() []*types.CommittedBlock {
	out := e.out
	e.out = nil
	return out
}
