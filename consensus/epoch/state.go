package epoch

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
)

// ValidatorSnapshot is one validator as frozen at the epoch boundary.
type ValidatorSnapshot struct {
	ID        types.ValidatorID
	PublicKey []byte
	Stake     *uint256.Int
	Status    validator.Status
}

func (v ValidatorSnapshot) clone() ValidatorSnapshot {
	out := v
	out.PublicKey = append([]byte(nil), v.PublicKey...)
	out.Stake = new(uint256.Int)
	if v.Stake != nil {
		out.Stake.Set(v.Stake)
	}
	return out
}

// State is the immutable record of one epoch. Every accessor returns copies,
// so a State can be shared freely between the orchestrator and its engines.
type State struct {
	number      uint64
	mode        types.ConsensusMode
	reason      string
	startHeight uint64
	startTime   uint64
	length      uint64
	quorumBps   uint64
	seed        types.Hash
	validators  []ValidatorSnapshot
	index       map[types.ValidatorID]int
	active      []types.ValidatorID
	totalActive *uint256.Int
	bonded      *uint256.Int
	quorum      *uint256.Int
}

// Params are the inputs for NewState.
type Params struct {
	Number      uint64
	Mode        types.ConsensusMode
	Reason      string
	StartHeight uint64
	StartTime   uint64
	Length      uint64
	QuorumBps   uint64
	Seed        types.Hash
	Validators  []ValidatorSnapshot
}

// NewState freezes params into an epoch state.
func NewState(p Params) (*State, error) {
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: epoch %d mode %s", types.ErrInvalidConfig, p.Number, p.Mode)
	}
	if p.Length == 0 {
		return nil, fmt.Errorf("%w: epoch %d has zero length", types.ErrInvalidConfig, p.Number)
	}
	s := &State{
		number:      p.Number,
		mode:        p.Mode,
		reason:      p.Reason,
		startHeight: p.StartHeight,
		startTime:   p.StartTime,
		length:      p.Length,
		quorumBps:   p.QuorumBps,
		seed:        p.Seed,
		validators:  make([]ValidatorSnapshot, len(p.Validators)),
		index:       make(map[types.ValidatorID]int, len(p.Validators)),
		totalActive: new(uint256.Int),
		bonded:      new(uint256.Int),
	}
	for i := range p.Validators {
		s.validators[i] = p.Validators[i].clone()
	}
	sort.Slice(s.validators, func(i, j int) bool {
		return s.validators[i].ID.Compare(s.validators[j].ID) < 0
	})
	for i, v := range s.validators {
		if _, dup := s.index[v.ID]; dup {
			return nil, fmt.Errorf("%w: validator %s listed twice", types.ErrInvalidConfig, v.ID)
		}
		s.index[v.ID] = i
		if v.Status.Kind != validator.StatusExited {
			s.bonded.Add(s.bonded, v.Stake)
		}
		if v.Status.IsActive() {
			s.totalActive.Add(s.totalActive, v.Stake)
			s.active = append(s.active, v.ID)
		}
	}
	s.quorum = QuorumStake(s.totalActive, s.quorumBps)
	return s, nil
}

// QuorumStake returns ceil(total * bps / 10000).
func QuorumStake(total *uint256.Int, bps uint64) *uint256.Int {
	num := new(uint256.Int).Mul(total, uint256.NewInt(bps))
	num.AddUint64(num, BasisPoints-1)
	return num.Div(num, uint256.NewInt(BasisPoints))
}

func (s *State) Number() uint64                 { return s.number }
func (s *State) Mode() types.ConsensusMode      { return s.mode }
func (s *State) Reason() string                 { return s.reason }
func (s *State) StartHeight() uint64            { return s.startHeight }
func (s *State) StartTime() uint64              { return s.startTime }
func (s *State) Length() uint64                 { return s.length }
func (s *State) QuorumBps() uint64              { return s.quorumBps }
func (s *State) Seed() types.Hash               { return s.seed }
func (s *State) TotalActiveStake() *uint256.Int { return new(uint256.Int).Set(s.totalActive) }
func (s *State) BondedStake() *uint256.Int      { return new(uint256.Int).Set(s.bonded) }
func (s *State) QuorumStake() *uint256.Int      { return new(uint256.Int).Set(s.quorum) }

// EndHeight is the last height that belongs to the epoch.
func (s *State) EndHeight() uint64 { return s.startHeight + s.length - 1 }

// Contains reports whether height falls inside the epoch.
func (s *State) Contains(height uint64) bool {
	return height >= s.startHeight && height <= s.EndHeight()
}

// Validators returns copies of every snapshot entry ordered by id.
func (s *State) Validators() []ValidatorSnapshot {
	out := make([]ValidatorSnapshot, len(s.validators))
	for i := range s.validators {
		out[i] = s.validators[i].clone()
	}
	return out
}

// ActiveValidators lists the ids of validators allowed to vote, ordered by id.
func (s *State) ActiveValidators() []types.ValidatorID {
	return append([]types.ValidatorID(nil), s.active...)
}

// Validator looks up a snapshot entry.
func (s *State) Validator(id types.ValidatorID) (ValidatorSnapshot, bool) {
	i, ok := s.index[id]
	if !ok {
		return ValidatorSnapshot{}, false
	}
	return s.validators[i].clone(), true
}

// IsActive reports whether id may vote in this epoch.
func (s *State) IsActive(id types.ValidatorID) bool {
	i, ok := s.index[id]
	return ok && s.validators[i].Status.IsActive()
}

// PublicKey returns the key of a snapshot validator.
func (s *State) PublicKey(id types.ValidatorID) ([]byte, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), s.validators[i].PublicKey...), true
}

// StakeOf returns the stake of an active validator, or zero.
func (s *State) StakeOf(id types.ValidatorID) *uint256.Int {
	i, ok := s.index[id]
	if !ok || !s.validators[i].Status.IsActive() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(s.validators[i].Stake)
}

// SignerStake sums the active stake of distinct ids.
func (s *State) SignerStake(ids []types.ValidatorID) *uint256.Int {
	total := new(uint256.Int)
	seen := make(map[types.ValidatorID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		total.Add(total, s.StakeOf(id))
	}
	return total
}

// HasQuorum reports whether stake meets the epoch quorum.
func (s *State) HasQuorum(stake *uint256.Int) bool {
	return !s.quorum.IsZero() && stake.Cmp(s.quorum) >= 0
}

type snapshotRecord struct {
	ID          types.ValidatorID
	PublicKey   []byte
	Stake       *big.Int
	Status      uint8
	StatusEpoch uint64
}

type stateRecord struct {
	Number      uint64
	Mode        uint8
	Reason      string
	StartHeight uint64
	StartTime   uint64
	Length      uint64
	QuorumBps   uint64
	Seed        types.Hash
	Validators  []snapshotRecord
}

// EncodeState serialises an epoch state with RLP.
func EncodeState(s *State) ([]byte, error) {
	rec := stateRecord{
		Number:      s.number,
		Mode:        uint8(s.mode),
		Reason:      s.reason,
		StartHeight: s.startHeight,
		StartTime:   s.startTime,
		Length:      s.length,
		QuorumBps:   s.quorumBps,
		Seed:        s.seed,
		Validators:  s.records(),
	}
	return rlp.EncodeToBytes(&rec)
}

// DecodeState rebuilds an epoch state written by EncodeState.
func DecodeState(data []byte) (*State, error) {
	var rec stateRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("epoch: decode state: %w", err)
	}
	validators := make([]ValidatorSnapshot, len(rec.Validators))
	for i, v := range rec.Validators {
		stake, overflow := uint256.FromBig(v.Stake)
		if overflow {
			return nil, fmt.Errorf("epoch: decode state: stake overflow for %s", v.ID)
		}
		validators[i] = ValidatorSnapshot{
			ID:        v.ID,
			PublicKey: v.PublicKey,
			Stake:     stake,
			Status:    validator.Status{Kind: validator.StatusKind(v.Status), Epoch: v.StatusEpoch},
		}
	}
	return NewState(Params{
		Number:      rec.Number,
		Mode:        types.ConsensusMode(rec.Mode),
		Reason:      rec.Reason,
		StartHeight: rec.StartHeight,
		StartTime:   rec.StartTime,
		Length:      rec.Length,
		QuorumBps:   rec.QuorumBps,
		Seed:        rec.Seed,
		Validators:  validators,
	})
}

func (s *State) records() []snapshotRecord {
	records := make([]snapshotRecord, len(s.validators))
	for i, v := range s.validators {
		records[i] = snapshotRecord{
			ID:          v.ID,
			PublicKey:   v.PublicKey,
			Stake:       v.Stake.ToBig(),
			Status:      uint8(v.Status.Kind),
			StatusEpoch: v.Status.Epoch,
		}
	}
	return records
}

// SnapshotDigest commits to the validator set and is folded into the next seed.
func (s *State) SnapshotDigest() types.Hash {
	encoded, err := rlp.EncodeToBytes(s.records())
	if err != nil {
		return types.Hash{}
	}
	return types.HashBytes([]byte("snapshot"), encoded)
}

// NextSeed derives the seed of the following epoch.
func NextSeed(prev types.Hash, number uint64, snapshot types.Hash) types.Hash {
	return types.HashBytes([]byte("seed"), prev[:], types.Uint64Bytes(number), snapshot[:])
}

func (s *State) String() string {
	return fmt.Sprintf("epoch{number=%d mode=%s start=%d validators=%d active=%s}",
		s.number, s.mode, s.startHeight, len(s.validators), s.totalActive.Dec())
}
