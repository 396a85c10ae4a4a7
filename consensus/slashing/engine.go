// Package slashing verifies misbehaviour evidence against the epoch it names
// and applies the scheduled penalty to the validator registry exactly once
// per offence.
package slashing

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/slashing/penalty"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

// EpochSource exposes the retained epoch history. *epoch.Manager satisfies it.
type EpochSource interface {
	Current() *epoch.State
	Epoch(number uint64) (*epoch.State, bool)
	Config() epoch.Config
}

// Engine is the slashing engine.
type Engine struct {
	mu       sync.Mutex
	epochs   EpochSource
	registry *validator.Registry
	store    *evidence.Store
	logger   *slog.Logger
}

func NewEngine(epochs EpochSource, registry *validator.Registry, store *evidence.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{epochs: epochs, registry: registry, store: store, logger: logger}
}

// Submit verifies e and applies its penalty. A second submission for the same
// offence returns the recorded event with applied=false and changes nothing.
func (g *Engine) Submit(e *evidence.Evidence, receivedAt uint64) (*evidence.Event, bool, error) {
	if e == nil {
		return nil, false, fmt.Errorf("%w: nil evidence", types.ErrInvalidEvidence)
	}
	if !e.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: unknown kind %s", types.ErrInvalidEvidence, e.Kind)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	fingerprint := e.Fingerprint()
	if existing, ok, err := g.store.Get(fingerprint); err != nil {
		return nil, false, err
	} else if ok {
		return existing.Event.Clone(), false, nil
	}

	current := g.epochs.Current()
	if current == nil {
		return nil, false, fmt.Errorf("%w: no epoch yet", types.ErrUnknownEpoch)
	}
	if e.Epoch > current.Number() {
		return nil, false, fmt.Errorf("%w: evidence epoch %d is ahead of %d", types.ErrUnknownEpoch, e.Epoch, current.Number())
	}
	window := g.epochs.Config().EvidenceWindowEpochs
	if current.Number()-e.Epoch > window {
		return nil, false, fmt.Errorf("%w: epoch %d is outside the %d epoch window", types.ErrStaleEvidence, e.Epoch, window)
	}
	state, ok := g.epochs.Epoch(e.Epoch)
	if !ok {
		return nil, false, fmt.Errorf("%w: epoch %d not retained", types.ErrUnknownEpoch, e.Epoch)
	}
	if err := evidence.Verify(e, state); err != nil {
		return nil, false, err
	}
	identity, ok := g.registry.Get(e.Accused)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s no longer registered", types.ErrUnknownValidator, e.Accused)
	}

	catalog, err := penalty.BuildCatalog(g.epochs.Config().Slashing)
	if err != nil {
		return nil, false, err
	}
	rule, ok := catalog.Rule(e.Kind)
	if !ok {
		return nil, false, fmt.Errorf("%w: no rule for %s", types.ErrInvalidEvidence, e.Kind)
	}
	p := rule.Compute(penalty.Metadata{
		Stake:        identity.Stake,
		Status:       identity.Status,
		CurrentEpoch: current.Number(),
	})

	event := evidence.Event{
		Fingerprint:   fingerprint,
		Kind:          e.Kind,
		Accused:       e.Accused,
		Epoch:         e.Epoch,
		Height:        e.Height,
		AppliedEpoch:  current.Number(),
		Burned:        p.Burn.ToBig(),
		StatusKind:    uint8(p.Status.Kind),
		StatusEpoch:   p.Status.Epoch,
		ReputationBps: p.ReputationBps,
	}
	record := &evidence.Record{Fingerprint: fingerprint, Evidence: e.Clone(), Event: event, ReceivedAt: receivedAt}

	// The registry changes first and is rolled back if the record cannot be
	// written, so a failed submission can be retried.
	if err := g.penalise(e.Accused, p); err != nil {
		g.rollback(identity)
		return nil, false, err
	}
	if _, created, err := g.store.Put(record); err != nil || !created {
		g.rollback(identity)
		if err == nil {
			err = errors.New("slashing: evidence store raced")
		}
		return nil, false, err
	}
	g.logger.Warn("validator penalised",
		slog.String("accused", e.Accused.String()),
		slog.String("kind", e.Kind.String()),
		slog.String("severity", string(rule.Severity)),
		slog.Uint64("epoch", e.Epoch),
		slog.Uint64("height", e.Height),
		slog.String("burned", p.Burn.Dec()),
		slog.String("status", p.Status.String()))
	return event.Clone(), true, nil
}

func (g *Engine) penalise(id types.ValidatorID, p penalty.Penalty) error {
	if _, err := g.registry.UpdateStake(id, new(big.Int).Neg(p.Burn.ToBig())); err != nil {
		return err
	}
	if err := g.registry.SetStatus(id, p.Status); err != nil {
		return err
	}
	_, err := g.registry.AdjustReputation(id, -int64(p.ReputationBps))
	return err
}

// rollback puts the validator back to prior.
func (g *Engine) rollback(prior validator.Identity) {
	current, ok := g.registry.Get(prior.ID)
	if !ok {
		return
	}
	delta := new(big.Int).Sub(prior.Stake.ToBig(), current.Stake.ToBig())
	var errs []error
	if _, err := g.registry.UpdateStake(prior.ID, delta); err != nil {
		errs = append(errs, err)
	}
	if err := g.registry.SetStatus(prior.ID, prior.Status); err != nil {
		errs = append(errs, err)
	}
	if _, err := g.registry.AdjustReputation(prior.ID, int64(prior.ReputationBps)-int64(current.ReputationBps)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		g.logger.Error("slashing rollback failed", slog.String("validator", prior.ID.String()), slog.Any("err", err))
	}
}

// Lookup returns the recorded outcome for an offence.
func (g *Engine) Lookup(accused types.ValidatorID, kind evidence.Kind, epochNumber uint64) (*evidence.Event, bool, error) {
	record, ok, err := g.store.Get(evidence.Fingerprint(accused, kind, epochNumber))
	if err != nil || !ok {
		return nil, ok, err
	}
	return record.Event.Clone(), true, nil
}

// List pages through recorded evidence.
func (g *Engine) List(filter evidence.Filter) ([]*evidence.Record, int, error) {
	return g.store.List(filter)
}

// Status converts an event's recorded status back into a validator status.
func Status(event *evidence.Event) validator.Status {
	return validator.Status{Kind: validator.StatusKind(event.StatusKind), Epoch: event.StatusEpoch}
}
