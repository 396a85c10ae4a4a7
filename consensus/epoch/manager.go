package epoch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

// Boundary identifies where a new epoch starts.
type Boundary struct {
	Height    uint64
	Timestamp uint64
}

// Store persists every epoch state the manager creates.
type Store interface {
	AppendEpoch(state *State) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists epoch states as they are created.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns epoch history. Only the orchestrator calls Rotate; reads are
// safe from any goroutine.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	pending  *Config
	registry *validator.Registry
	history  []*State
	store    Store
	logger   *slog.Logger
}

// NewManager validates cfg and binds the manager to the registry.
func NewManager(cfg Config, registry *validator.Registry, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("epoch: registry required")
	}
	m := &Manager{cfg: cfg, registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Genesis creates epoch zero. The configured initial mode is used unless the
// active stake cannot reach quorum, in which case the chain starts in
// EmergencyPoW.
func (m *Manager) Genesis(b Boundary, seed types.Hash) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) > 0 {
		return nil, fmt.Errorf("epoch: genesis already created")
	}
	if err := m.registry.Verify(); err != nil {
		return nil, err
	}
	decision := Decision{Mode: m.cfg.InitialMode, Reason: ReasonGenesis}
	bps := ActiveStakeBps(m.registry.TotalActiveStake(), m.registry.BondedStake())
	if bps == 0 || bps < m.cfg.QuorumBps {
		decision = Decision{Mode: types.ModeEmergencyPoW, Reason: ReasonInsufficientStake}
	}
	state, err := buildState(m.cfg, m.registry, 0, b, seed, decision)
	if err != nil {
		return nil, err
	}
	return state, m.commitLocked(state)
}

// Restore loads previously persisted history, oldest first.
func (m *Manager) Restore(history []*State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i < len(history); i++ {
		if history[i].Number() != history[i-1].Number()+1 {
			return fmt.Errorf("epoch: restore gap between %d and %d", history[i-1].Number(), history[i].Number())
		}
	}
	m.history = append([]*State(nil), history...)
	m.pruneLocked()
	return nil
}

// Rotate closes the current epoch and opens the next one. Jailed validators
// whose term ended are released and long-exited validators are pruned before
// the snapshot is taken. A pending governance config is applied first. The
// next epoch is planned on a copy of the registry, so a failed rotation
// leaves the registry and the pending config untouched.
func (m *Manager) Rotate(b Boundary, advisory types.AggregatedAdvisory, metrics NetworkMetrics) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil, fmt.Errorf("epoch: rotate before genesis")
	}
	cur := m.history[len(m.history)-1]
	if b.Height != cur.EndHeight()+1 {
		return nil, fmt.Errorf("epoch: boundary height %d does not follow epoch %d ending at %d", b.Height, cur.Number(), cur.EndHeight())
	}
	cfg := m.cfg
	if m.pending != nil {
		cfg = *m.pending
	}
	next := cur.Number() + 1

	planned := m.registry.Clone()
	released := planned.ReleaseJailed(next)
	pruned := planned.PruneExited(next, cfg.ExitCooldownEpochs)
	if err := planned.Verify(); err != nil {
		return nil, err
	}

	decision, err := SelectMode(cfg, cur.Mode(), Inputs{
		ActiveStake: planned.TotalActiveStake(),
		BondedStake: planned.BondedStake(),
		Metrics:     metrics,
		Advisory:    advisory.Score,
	})
	switch {
	case errors.Is(err, ErrInsufficientActiveStake):
		decision = Decision{Mode: types.ModeEmergencyPoW, Reason: ReasonInsufficientStake}
	case err != nil:
		return nil, err
	}

	seed := NextSeed(cur.Seed(), next, cur.SnapshotDigest())
	state, err := buildState(cfg, planned, next, b, seed, decision)
	if err != nil {
		return nil, err
	}
	if err := m.commitLocked(state); err != nil {
		return nil, err
	}
	if m.pending != nil {
		m.pending = nil
		m.logger.Info("epoch config applied", slog.Uint64("epoch", next))
	}
	m.cfg = cfg
	m.registry.ReleaseJailed(next)
	m.registry.PruneExited(next, cfg.ExitCooldownEpochs)
	m.logger.Info("epoch rotated",
		slog.Uint64("epoch", next),
		slog.String("mode", decision.Mode.String()),
		slog.String("reason", decision.Reason),
		slog.Uint64("start_height", b.Height),
		slog.Int("released", len(released)),
		slog.Int("pruned", len(pruned)),
		slog.Uint64("latency_ms", metrics.LatencyMillis),
		slog.Uint64("timeout_rate_bps", metrics.TimeoutRateBps),
		slog.Uint64("online_bps", metrics.OnlineBps),
		slog.Uint64("advisory_bps", advisory.Score.Bps()))
	return state, nil
}

// ScheduleConfig stages a governance config for the next boundary.
func (m *Manager) ScheduleConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := cfg
	m.pending = &staged
	return nil
}

// Current returns the newest epoch, or nil before genesis.
func (m *Manager) Current() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

// Epoch returns a retained historical epoch.
func (m *Manager) Epoch(number uint64) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil, false
	}
	first := m.history[0].Number()
	if number < first || number-first >= uint64(len(m.history)) {
		return nil, false
	}
	return m.history[number-first], true
}

// EpochForHeight returns the retained epoch that contains height.
func (m *Manager) EpochForHeight(height uint64) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Contains(height) {
			return m.history[i], true
		}
	}
	return nil, false
}

// Config returns the configuration of the running epoch.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Registry() *validator.Registry { return m.registry }

func buildState(cfg Config, registry *validator.Registry, number uint64, b Boundary, seed types.Hash, d Decision) (*State, error) {
	identities := registry.Snapshot()
	snapshot := make([]ValidatorSnapshot, 0, len(identities))
	for _, id := range identities {
		snapshot = append(snapshot, ValidatorSnapshot{
			ID:        id.ID,
			PublicKey: id.PublicKey,
			Stake:     id.Stake,
			Status:    id.Status,
		})
	}
	return NewState(Params{
		Number:      number,
		Mode:        d.Mode,
		Reason:      d.Reason,
		StartHeight: b.Height,
		StartTime:   b.Timestamp,
		Length:      cfg.Length,
		QuorumBps:   cfg.QuorumBps,
		Seed:        seed,
		Validators:  snapshot,
	})
}

func (m *Manager) commitLocked(state *State) error {
	if m.store != nil {
		if err := m.store.AppendEpoch(state); err != nil {
			return fmt.Errorf("epoch: persist epoch %d: %w", state.Number(), err)
		}
	}
	m.history = append(m.history, state)
	m.pruneLocked()
	return nil
}

// pruneLocked trims history to SnapshotHistory but always keeps the evidence
// window plus the current epoch.
func (m *Manager) pruneLocked() {
	limit := m.cfg.SnapshotHistory
	if limit == 0 {
		return
	}
	if floor := m.cfg.EvidenceWindowEpochs + 1; limit < floor {
		limit = floor
	}
	if uint64(len(m.history)) <= limit {
		return
	}
	trim := uint64(len(m.history)) - limit
	m.history = append([]*State(nil), m.history[trim:]...)
}
