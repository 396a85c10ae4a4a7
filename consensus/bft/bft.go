// Package bft implements the PBFT engine: leader proposal, a prepare quorum
// that locks the block, a commit quorum that finalises it and view changes
// driven by timeouts.
package bft

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

type proposal struct {
	block *types.Block
	msg   *types.Message
}

// Engine is the PBFT state machine for one epoch.
type Engine struct {
	cfg    engine.Config
	state  *epoch.State
	local  types.ValidatorID
	active []types.ValidatorID
	logger *slog.Logger

	height     uint64
	view       uint64
	parent     types.Hash
	parentTime uint64

	proposals   map[uint64]*proposal
	prepares    map[uint64]*engine.VoteSet
	commits     *engine.VoteSet
	viewChanges map[uint64]*engine.VoteSet
	vcBlocks    map[types.Hash]*types.Block
	locked      *types.Block
	candidate   *types.Block
	proposed    map[uint64]bool
	commitViews map[uint64]bool
	vcTarget    uint64
	viewBuffer  []*types.Message

	future  *engine.Buffer
	out     []*types.CommittedBlock
	done    bool
	stopped bool
}

var _ engine.Engine = (*Engine)(nil)

// New builds the engine for cfg.State starting at cfg.Height.
func New(cfg engine.Config) (*Engine, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("bft: epoch state required")
	}
	if !cfg.State.Contains(cfg.Height) {
		return nil, fmt.Errorf("bft: height %d outside epoch %d", cfg.Height, cfg.State.Number())
	}
	active := cfg.State.ActiveValidators()
	if len(active) == 0 {
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
		active:     active,
		logger:     logger.With(slog.String("engine", "pbft"), slog.Uint64("epoch", cfg.State.Number())),
		parent:     cfg.Parent,
		parentTime: cfg.ParentTime,
		future:     engine.NewBuffer(bufferLimit, bufferMaxAhead),
	}
	e.reset(cfg.Height)
	return e, nil
}

func (e *Engine) Mode() types.ConsensusMode { return types.ModePBFT }
func (e *Engine) Epoch() *epoch.State       { return e.state }
func (e *Engine) Done() bool                { return e.done }
func (e *Engine) Stop()                     { e.stopped = true }

// Leader is the round-robin leader for a height and view.
func (e *Engine) Leader(height, view uint64) types.ValidatorID {
	return e.active[(height+view)%uint64(len(e.active))]
}

// Leader returns the round-robin leader over the sorted active set of state.
func Leader(state *epoch.State, height, view uint64) types.ValidatorID {
	active := state.ActiveValidators()
	if len(active) == 0 {
		return types.ValidatorID{}
	}
	return active[(height+view)%uint64(len(active))]
}

func (e *Engine) Slot() engine.Slot {
	return engine.Slot{Epoch: e.state.Number(), Height: e.height, View: e.view, Leader: e.Leader(e.height, e.view)}
}

func (e *Engine) TimeoutAfter() time.Duration {
	view := e.view
	if e.vcTarget > view {
		view = e.vcTarget
	}
	return engine.Backoff(e.cfg.Params.SlotTimeout, view)
}

func (e *Engine) canSign() bool {
	return e.cfg.Signer != nil && e.state.IsActive(e.local)
}

func (e *Engine) ShouldPropose() bool {
	return !e.done && !e.stopped && e.canSign() &&
		e.Leader(e.height, e.view) == e.local &&
		!e.proposed[e.view] && e.proposals[e.view] == nil
}

// Propose proposes block, or the locked block if the node holds one.
func (e *Engine) Propose(block *types.Block) ([]*types.CommittedBlock, error) {
	if e.stopped {
		return nil, engine.ErrStopped
	}
	if !e.ShouldPropose() {
		return nil, fmt.Errorf("%w: %s is not the leader of height %d view %d", types.ErrNotLeader, e.local, e.height, e.view)
	}
	switch {
	case e.locked != nil:
		block = e.locked
	case e.candidate != nil:
		block = e.candidate
	}
	if block == nil {
		return nil, fmt.Errorf("%w: nil block", types.ErrInvalidMessage)
	}
	payload, err := types.EncodeBlock(block)
	if err != nil {
		return nil, err
	}
	e.proposed[e.view] = true
	e.send(&types.Message{Kind: types.KindPropose, View: e.view, Digest: block.Hash(), Payload: payload})
	return e.drain(), nil
}

// OnMessage applies an authenticated peer message.
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

// OnTimeout votes to move to the next view. Repeated timeouts in the same
// view escalate the target view until MaxViewChanges is exceeded.
func (e *Engine) OnTimeout(t types.Timeout) error {
	if e.stopped || e.done {
		return nil
	}
	if t.Epoch != e.state.Number() || t.Height != e.height || t.View != e.view {
		return nil
	}
	target := e.view
	if e.vcTarget > target {
		target = e.vcTarget
	}
	target++
	if target > e.cfg.Params.MaxViewChanges {
		return fmt.Errorf("%w: height %d would enter view %d", types.ErrViewChangeCeiling, e.height, target)
	}
	e.vcTarget = target
	e.logger.Warn("view timed out", slog.Uint64("height", e.height), slog.Uint64("view", e.view), slog.Uint64("target", target))
	if e.canSign() {
		e.sendViewChange(target)
	}
	return nil
}

func (e *Engine) handle(msg *types.Message) error {
	switch msg.Kind {
	case types.KindPropose:
		return e.onPropose(msg)
	case types.KindPrepare:
		return e.onPrepare(msg)
	case types.KindCommit:
		return e.onCommit(msg)
	case types.KindViewChange:
		return e.onViewChange(msg)
	default:
		return fmt.Errorf("%w: pbft cannot handle %s", types.ErrUnknownKind, msg.Kind)
	}
}

func (e *Engine) onPropose(msg *types.Message) error {
	if msg.View < e.view {
		return fmt.Errorf("%w: proposal for view %d in view %d", types.ErrStaleMessage, msg.View, e.view)
	}
	if msg.View > e.view {
		e.holdView(msg)
		return nil
	}
	if leader := e.Leader(e.height, msg.View); msg.Signer != leader {
		return fmt.Errorf("%w: %s proposed, leader is %s", types.ErrNotLeader, msg.Signer, leader)
	}
	if existing := e.proposals[msg.View]; existing != nil {
		if existing.msg.ConflictsWith(msg) {
			return &types.EquivocationError{Validator: msg.Signer, First: existing.msg.Clone(), Second: msg.Clone()}
		}
		return nil
	}
	block, err := engine.CheckProposal(msg, e.height, e.parent, e.parentTime, e.cfg.Validate)
	if err != nil {
		return err
	}
	if e.locked != nil && e.locked.Hash() != msg.Digest {
		return fmt.Errorf("%w: proposal %s conflicts with locked block %s", types.ErrInvalidMessage, msg.Digest, e.locked.Hash())
	}
	e.proposals[msg.View] = &proposal{block: block, msg: msg.Clone()}
	if e.canSign() {
		e.send(&types.Message{Kind: types.KindPrepare, View: msg.View, Digest: msg.Digest})
	}
	e.checkPrepared(msg.View)
	return nil
}

func (e *Engine) onPrepare(msg *types.Message) error {
	if msg.View < e.view {
		return fmt.Errorf("%w: prepare for view %d in view %d", types.ErrStaleMessage, msg.View, e.view)
	}
	if msg.View > e.view {
		e.holdView(msg)
		return nil
	}
	set := e.prepares[msg.View]
	if set == nil {
		set = engine.NewVoteSet(e.state)
		e.prepares[msg.View] = set
	}
	if _, err := set.Add(msg); err != nil {
		return err
	}
	e.checkPrepared(msg.View)
	return nil
}

func (e *Engine) onCommit(msg *types.Message) error {
	if _, err := e.commits.Add(msg); err != nil {
		return err
	}
	e.checkCommitted()
	return nil
}

func (e *Engine) onViewChange(msg *types.Message) error {
	if msg.View <= e.view {
		return fmt.Errorf("%w: view change to %d in view %d", types.ErrStaleMessage, msg.View, e.view)
	}
	set := e.viewChanges[msg.View]
	if set == nil {
		set = engine.NewVoteSet(e.state)
		e.viewChanges[msg.View] = set
	}
	added, err := set.Add(msg)
	if err != nil || !added {
		return err
	}
	if !msg.Digest.IsZero() && len(msg.Payload) > 0 {
		if block, err := types.DecodeBlock(msg.Payload); err == nil &&
			block.Hash() == msg.Digest && block.Height == e.height && block.Parent == e.parent {
			e.vcBlocks[msg.Digest] = block
		}
	}

	// Join a view change that more than a third of the stake already wants.
	if e.canSign() && e.vcTarget < msg.View && e.weakQuorum(set) {
		e.vcTarget = msg.View
		e.sendViewChange(msg.View)
	}
	if e.state.HasQuorum(set.TotalStake()) && msg.View > e.view {
		return e.enterView(msg.View)
	}
	return nil
}

func (e *Engine) weakQuorum(set *engine.VoteSet) bool {
	total := e.state.TotalActiveStake()
	threshold := total.Sub(total, e.state.QuorumStake())
	return set.TotalStake().Gt(threshold)
}

func (e *Engine) enterView(view uint64) error {
	if view > e.cfg.Params.MaxViewChanges {
		return fmt.Errorf("%w: height %d reached view %d", types.ErrViewChangeCeiling, e.height, view)
	}
	e.view = view
	if e.vcTarget < view {
		e.vcTarget = view
	}
	if e.locked == nil && e.candidate == nil {
		e.candidate = e.lockedFromViewChanges(view)
	}
	e.logger.Info("entered view", slog.Uint64("height", e.height), slog.Uint64("view", view),
		slog.String("leader", e.Leader(e.height, view).String()))

	pending := e.viewBuffer
	e.viewBuffer = nil
	for _, msg := range pending {
		if msg.View < view {
			continue
		}
		if err := e.handle(msg); err != nil && types.IsFatal(err) {
			return err
		}
	}
	return nil
}

// lockedFromViewChanges picks the block most of the view-change quorum
// reported as locked, so a new leader re-proposes it.
func (e *Engine) lockedFromViewChanges(view uint64) *types.Block {
	set := e.viewChanges[view]
	if set == nil {
		return nil
	}
	var best *types.Block
	for digest, block := range e.vcBlocks {
		if best == nil || set.Stake(digest).Gt(set.Stake(best.Hash())) {
			best = block
		}
	}
	return best
}

func (e *Engine) holdView(msg *types.Message) {
	if uint64(len(e.viewBuffer)) >= bufferLimit || msg.View > e.cfg.Params.MaxViewChanges {
		return
	}
	e.viewBuffer = append(e.viewBuffer, msg.Clone())
}

func (e *Engine) checkPrepared(view uint64) {
	p := e.proposals[view]
	set := e.prepares[view]
	if p == nil || set == nil || !set.HasQuorum(p.msg.Digest) {
		return
	}
	e.locked = p.block
	e.candidate = nil
	if !e.commitViews[view] && e.canSign() {
		e.commitViews[view] = true
		e.send(&types.Message{Kind: types.KindCommit, View: view, Digest: p.msg.Digest})
		return
	}
	e.checkCommitted()
}

func (e *Engine) checkCommitted() {
	if e.done {
		return
	}
	digest, ok := e.commits.Leading()
	if !ok || !e.commits.HasQuorum(digest) {
		return
	}
	block := e.knownBlock(digest)
	if block == nil {
		return
	}
	committed := &types.CommittedBlock{
		Block:      block.Clone(),
		Mode:       types.ModePBFT,
		Epoch:      e.state.Number(),
		View:       e.view,
		Signatures: e.commits.Signatures(digest),
	}
	e.out = append(e.out, committed)
	e.logger.Info("block committed", slog.Uint64("height", block.Height), slog.Uint64("view", e.view),
		slog.String("hash", digest.String()), slog.Int("signatures", len(committed.Signatures)))
	e.parent = digest
	e.parentTime = block.Timestamp
	e.reset(e.height + 1)
}

func (e *Engine) knownBlock(digest types.Hash) *types.Block {
	if e.locked != nil && e.locked.Hash() == digest {
		return e.locked
	}
	for _, p := range e.proposals {
		if p.msg.Digest == digest {
			return p.block
		}
	}
	return e.vcBlocks[digest]
}

func (e *Engine) reset(height uint64) {
	e.height = height
	e.view = 0
	e.proposals = make(map[uint64]*proposal)
	e.prepares = make(map[uint64]*engine.VoteSet)
	e.commits = engine.NewVoteSet(e.state)
	e.viewChanges = make(map[uint64]*engine.VoteSet)
	e.vcBlocks = make(map[types.Hash]*types.Block)
	e.locked = nil
	e.candidate = nil
	e.proposed = make(map[uint64]bool)
	e.commitViews = make(map[uint64]bool)
	e.vcTarget = 0
	e.viewBuffer = nil
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

func (e *Engine) sendViewChange(target uint64) {
	msg := &types.Message{Kind: types.KindViewChange, View: target}
	if e.locked != nil {
		msg.Digest = e.locked.Hash()
		if payload, err := types.EncodeBlock(e.locked); err == nil {
			msg.Payload = payload
		}
	}
	e.send(msg)
}

// send signs msg for the current slot, broadcasts it and applies it locally.
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
