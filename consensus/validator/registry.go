package validator

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"adaptivechain/consensus/types"
)

var (
	ErrDuplicateValidator = errors.New("validator: duplicate validator")
	ErrUnknownValidator   = fmt.Errorf("validator: %w", types.ErrUnknownValidator)
	ErrNegativeStake      = errors.New("validator: resulting stake would be negative")
	ErrStakeOverflow      = errors.New("validator: stake overflows 256 bits")
	ErrInvalidIdentity    = errors.New("validator: identity does not match public key")
	ErrInvalidReputation  = errors.New("validator: reputation exceeds 10000 bps")
)

// Registry is the authoritative membership table. Every mutation recomputes
// the cached totals so TotalActiveStake is O(1) and never drifts.
type Registry struct {
	mu          sync.RWMutex
	entries     map[types.ValidatorID]*Identity
	totalActive *uint256.Int
	bonded      *uint256.Int
}

func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[types.ValidatorID]*Identity),
		totalActive: new(uint256.Int),
		bonded:      new(uint256.Int),
	}
}

// Register adds a new validator.
func (r *Registry) Register(identity Identity) error {
	derived, err := types.ValidatorIDFromPublicKey(identity.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if derived != identity.ID {
		return fmt.Errorf("%w: %s", ErrInvalidIdentity, identity.ID)
	}
	if identity.ReputationBps > MaxReputationBps {
		return ErrInvalidReputation
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[identity.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, identity.ID)
	}
	entry := identity.Clone()
	r.entries[identity.ID] = &entry
	r.recomputeLocked()
	return nil
}

// UpdateStake applies a signed delta to a validator's stake and returns the
// resulting stake.
func (r *Registry) UpdateStake(id types.ValidatorID, delta *big.Int) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	next := entry.Stake.ToBig()
	if delta != nil {
		next.Add(next, delta)
	}
	if next.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s has %s, delta %s", ErrNegativeStake, id, entry.Stake.Dec(), delta)
	}
	stake, overflow := uint256.FromBig(next)
	if overflow {
		return nil, ErrStakeOverflow
	}
	entry.Stake = stake
	r.recomputeLocked()
	return new(uint256.Int).Set(stake), nil
}

// SetStatus replaces a validator's status.
func (r *Registry) SetStatus(id types.ValidatorID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	entry.Status = status
	r.recomputeLocked()
	return nil
}

// AdjustReputation moves a validator's reputation by deltaBps, clamped to
// [0, MaxReputationBps], and returns the new value.
func (r *Registry) AdjustReputation(id types.ValidatorID, deltaBps int64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	next := int64(entry.ReputationBps) + deltaBps
	if next < 0 {
		next = 0
	}
	if next > int64(MaxReputationBps) {
		next = int64(MaxReputationBps)
	}
	entry.ReputationBps = uint32(next)
	r.recomputeLocked()
	return entry.ReputationBps, nil
}

// ReleaseJailed reactivates validators whose jail term ends at or before epoch.
func (r *Registry) ReleaseJailed(epoch uint64) []types.ValidatorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []types.ValidatorID
	for id, entry := range r.entries {
		if entry.Status.Kind == StatusJailed && entry.Status.Epoch <= epoch {
			entry.Status = Active()
			released = append(released, id)
		}
	}
	sortIDs(released)
	r.recomputeLocked()
	return released
}

// PruneExited removes validators that exited at least cooldown epochs ago.
func (r *Registry) PruneExited(epoch, cooldown uint64) []types.ValidatorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []types.ValidatorID
	for id, entry := range r.entries {
		if entry.Status.Kind == StatusExited && entry.Status.Epoch+cooldown <= epoch {
			delete(r.entries, id)
			removed = append(removed, id)
		}
	}
	sortIDs(removed)
	r.recomputeLocked()
	return removed
}

// Clone returns an independent copy of the registry, cached totals included.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{
		entries:     make(map[types.ValidatorID]*Identity, len(r.entries)),
		totalActive: new(uint256.Int).Set(r.totalActive),
		bonded:      new(uint256.Int).Set(r.bonded),
	}
	for id, entry := range r.entries {
		clone := entry.Clone()
		out.entries[id] = &clone
	}
	return out
}

// Get returns a copy of the validator's identity.
func (r *Registry) Get(id types.ValidatorID) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return Identity{}, false
	}
	return entry.Clone(), true
}

// Snapshot returns copies of every identity ordered by id.
func (r *Registry) Snapshot() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

// TotalActiveStake returns the cached sum of Active validators' stake.
func (r *Registry) TotalActiveStake() *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(uint256.Int).Set(r.totalActive)
}

// BondedStake returns the stake of every validator that has not exited.
func (r *Registry) BondedStake() *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(uint256.Int).Set(r.bonded)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Verify recomputes the totals from scratch and compares them with the cache.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, bonded := r.sumLocked()
	if !active.Eq(r.totalActive) || !bonded.Eq(r.bonded) {
		return fmt.Errorf("%w: cached active=%s recomputed=%s", types.ErrStakeDrift, r.totalActive.Dec(), active.Dec())
	}
	return nil
}

func (r *Registry) recomputeLocked() {
	r.totalActive, r.bonded = r.sumLocked()
}

func (r *Registry) sumLocked() (*uint256.Int, *uint256.Int) {
	active := new(uint256.Int)
	bonded := new(uint256.Int)
	for _, entry := range r.entries {
		if entry.Stake == nil {
			continue
		}
		if entry.Status.Kind != StatusExited {
			bonded.Add(bonded, entry.Stake)
		}
		if entry.Status.IsActive() {
			active.Add(active, entry.Stake)
		}
	}
	return active, bonded
}

func sortIDs(ids []types.ValidatorID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}
