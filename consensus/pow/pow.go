// Package pow implements the emergency proof-of-work engine. Any node may
// mine; the first valid solution seen for a height extends the chain and
// stays tentative until the finality manager buries it.
package pow

import (
	"fmt"
	"log/slog"
	"time"

	"adaptivechain/consensus/engine"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
)

const bufferMaxAhead = 2

// Engine is the EmergencyPoW state machine for one epoch.
type Engine struct {
	cfg    engine.Config
	state  *epoch.State
	local  types.ValidatorID
	logger *slog.Logger

	height     uint64
	parent     types.Hash
	parentTime uint64
	difficulty uint64
	timestamps []uint64
	template   *types.Block

	future  *engine.Buffer
	out     []*types.CommittedBlock
	done    bool
	stopped bool
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg engine.Config) (*Engine, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("pow: epoch state required")
	}
	if !cfg.State.Contains(cfg.Height) {
		return nil, fmt.Errorf("pow: height %d outside epoch %d", cfg.Height, cfg.State.Number())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	difficulty := cfg.PoWDifficulty
	if difficulty == 0 {
		difficulty = cfg.Params.PoW.InitialDifficulty
	}
	e := &Engine{
		cfg:        cfg,
		state:      cfg.State,
		local:      engine.LocalID(cfg.Signer),
		logger:     logger.With(slog.String("engine", "emergency_pow"), slog.Uint64("epoch", cfg.State.Number())),
		height:     cfg.Height,
		parent:     cfg.Parent,
		parentTime: cfg.ParentTime,
		difficulty: difficulty,
		timestamps: append([]uint64(nil), cfg.PoWTimestamps...),
		future:     engine.NewBuffer(1024, bufferMaxAhead),
	}
	return e, nil
}

func (e *Engine) Mode() types.ConsensusMode   { return types.ModeEmergencyPoW }
func (e *Engine) Epoch() *epoch.State         { return e.state }
func (e *Engine) Done() bool                  { return e.done }
func (e *Engine) Stop()                       { e.stopped = true }
func (e *Engine) TimeoutAfter() time.Duration { return 0 }
func (e *Engine) OnTimeout(types.Timeout) error {
	return nil
}

// Difficulty is the difficulty the next solution must meet.
func (e *Engine) Difficulty() uint64 { return e.difficulty }

// Timestamps returns the recent block timestamps used for retargeting.
func (e *Engine) Timestamps() []uint64 { return append([]uint64(nil), e.timestamps...) }

func (e *Engine) Slot() engine.Slot {
	return engine.Slot{Epoch: e.state.Number(), Height: e.height}
}

// ShouldPropose reports whether the node should start mining the current
// height.
func (e *Engine) ShouldPropose() bool {
	return !e.done && !e.stopped && e.cfg.Signer != nil && e.template == nil
}

// Propose installs block as the mining template for the current height.
func (e *Engine) Propose(block *types.Block) ([]*types.CommittedBlock, error) {
	if e.stopped {
		return nil, engine.ErrStopped
	}
	if block == nil || block.Height != e.height || block.Parent != e.parent {
		return nil, fmt.Errorf("%w: template does not extend height %d", types.ErrInvalidMessage, e.height)
	}
	e.template = block.Clone()
	return nil, nil
}

// Job returns the mining job for the installed template.
func (e *Engine) Job() (Job, bool) {
	if e.template == nil || e.done {
		return Job{}, false
	}
	return Job{Epoch: e.state.Number(), Block: e.template.Clone(), Difficulty: e.difficulty}, true
}

// Solved broadcasts a locally found solution and applies it.
func (e *Engine) Solved(sol *types.PoWSolution) ([]*types.CommittedBlock, error) {
	if e.stopped {
		return nil, engine.ErrStopped
	}
	payload, err := types.EncodePoWSolution(sol)
	if err != nil {
		return nil, err
	}
	msg := &types.Message{
		Kind:    types.KindPoWSolution,
		Epoch:   e.state.Number(),
		Height:  sol.Block.Height,
		Signer:  e.local,
		Digest:  sol.Block.Hash(),
		Payload: payload,
	}
	if err := e.handle(msg); err != nil {
		return e.drain(), err
	}
	if e.cfg.Broadcaster != nil {
		if err := e.cfg.Broadcaster.Broadcast(msg.Clone()); err != nil {
			e.logger.Warn("broadcast failed", slog.String("error", err.Error()))
		}
	}
	return e.drain(), nil
}

func (e *Engine) OnMessage(msg *types.Message) ([]*types.CommittedBlock, error) {
	if e.stopped {
		return nil, engine.ErrStopped
	}
	if err := engine.CheckSender(e.state, msg); err != nil {
		return nil, err
	}
	if msg.Kind != types.KindPoWSolution {
		return nil, fmt.Errorf("%w: emergency pow cannot handle %s", types.ErrUnknownKind, msg.Kind)
	}
	if e.done || msg.Height < e.height {
		return nil, fmt.Errorf("%w: solution for height %d at height %d", types.ErrStaleMessage, msg.Height, e.height)
	}
	if msg.Height > e.height {
		if !e.future.Hold(msg, e.height) {
			return nil, fmt.Errorf("%w: solution for height %d too far ahead of %d", types.ErrStaleMessage, msg.Height, e.height)
		}
		return nil, nil
	}
	err := e.handle(msg)
	return e.drain(), err
}

func (e *Engine) handle(msg *types.Message) error {
	sol, err := types.DecodePoWSolution(msg.Payload)
	if err != nil {
		return err
	}
	block := &sol.Block
	switch {
	case block.Hash() != msg.Digest:
		return fmt.Errorf("%w: digest does not match solution", engine.ErrInvalidBlock)
	case block.Height != e.height:
		return fmt.Errorf("%w: solution height %d, want %d", engine.ErrInvalidBlock, block.Height, e.height)
	case block.Parent != e.parent:
		return fmt.Errorf("%w: solution parent %s, want %s", engine.ErrInvalidBlock, block.Parent, e.parent)
	case e.parentTime != 0 && block.Timestamp < e.parentTime:
		return fmt.Errorf("%w: timestamp %d before parent %d", engine.ErrInvalidBlock, block.Timestamp, e.parentTime)
	}
	if e.cfg.Validate != nil {
		if err := e.cfg.Validate(block); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrInvalidBlock, err)
		}
	}
	if err := Verify(sol, e.difficulty); err != nil {
		return err
	}

	e.out = append(e.out, &types.CommittedBlock{
		Block:     block.Clone(),
		Mode:      types.ModeEmergencyPoW,
		Epoch:     e.state.Number(),
		PoWNonce:  sol.Nonce,
		Tentative: true,
	})
	e.logger.Info("block mined", slog.Uint64("height", block.Height), slog.Uint64("nonce", sol.Nonce),
		slog.Uint64("difficulty", e.difficulty), slog.String("hash", msg.Digest.String()))
	e.advance(block)
	return nil
}

func (e *Engine) advance(block *types.Block) {
	e.parent = block.Hash()
	e.parentTime = block.Timestamp
	e.timestamps = append(e.timestamps, block.Timestamp)
	window := int(e.cfg.Params.PoW.RetargetWindow) + 1
	if len(e.timestamps) > window {
		e.timestamps = append([]uint64(nil), e.timestamps[len(e.timestamps)-window:]...)
	}
	e.difficulty = Retarget(e.cfg.Params.PoW, e.difficulty, e.timestamps)
	e.template = nil
	e.height++
	if e.height > e.state.EndHeight() {
		e.done = true
		return
	}
	for _, msg := range e.future.Release(e.height) {
		if err := e.handle(msg); err != nil {
			e.logger.Debug("buffered solution rejected", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) drain() []*types.CommittedBlock {
	out := e.out
	e.out = nil
	return out
}
