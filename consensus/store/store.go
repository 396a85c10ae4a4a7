package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/storage"
)

// Store persists consensus metadata: the validator table, the epoch log and
// the certificate log. Logs are append-only; an entry is never rewritten.
type Store struct {
	db storage.Database
	mu sync.Mutex
}

// New creates a consensus store backed by the provided database.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

// ErrExists is returned when appending a log entry whose slot is taken by a
// different value.
var ErrExists = errors.New("store: log entry already written")

var (
	validatorSetKey = []byte("consensus/validatorset")
	epochPrefix     = []byte("consensus/epoch/")
	epochHeadKey    = []byte("consensus/epoch-head")
	certPrefix      = []byte("consensus/cert/")
	certHeadKey     = []byte("consensus/cert-head")
	certTailKey     = []byte("consensus/cert-tail")
)

// validatorRecord is the persisted form of a registry entry.
type validatorRecord struct {
	ID            types.ValidatorID
	PubKey        []byte
	Stake         *big.Int
	ReputationBps uint64
	StatusKind    uint8
	StatusEpoch   uint64
}

// SaveValidators persists the registry table. The caller must pass entries
// in deterministic order; Registry.Snapshot does.
func (s *Store) SaveValidators(validators []validator.Identity) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("consensus store uninitialised")
	}
	records := make([]validatorRecord, len(validators))
	for i, v := range validators {
		stake := new(big.Int)
		if v.Stake != nil {
			stake = v.Stake.ToBig()
		}
		records[i] = validatorRecord{
			ID:            v.ID,
			PubKey:        append([]byte(nil), v.PublicKey...),
			Stake:         stake,
			ReputationBps: uint64(v.ReputationBps),
			StatusKind:    uint8(v.Status.Kind),
			StatusEpoch:   v.Status.Epoch,
		}
	}
	encoded, err := rlp.EncodeToBytes(records)
	if err != nil {
		return err
	}
	return s.db.Put(validatorSetKey, encoded)
}

// LoadValidators returns the persisted registry table, or nil when none has
// been saved.
func (s *Store) LoadValidators() ([]validator.Identity, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("consensus store uninitialised")
	}
	data, err := s.db.Get(validatorSetKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []validatorRecord
	if err := rlp.DecodeBytes(data, &records); err != nil {
		return nil, fmt.Errorf("decode validator set: %w", err)
	}
	out := make([]validator.Identity, len(records))
	for i, r := range records {
		stake, overflow := uint256.FromBig(r.Stake)
		if overflow {
			return nil, fmt.Errorf("validator %s: stake overflows", r.ID)
		}
		out[i] = validator.Identity{
			ID:            r.ID,
			PublicKey:     r.PubKey,
			Stake:         stake,
			ReputationBps: uint32(r.ReputationBps),
			Status:        validator.Status{Kind: validator.StatusKind(r.StatusKind), Epoch: r.StatusEpoch},
		}
	}
	return out, nil
}

// RestoreRegistry rebuilds a registry from the persisted table.
func (s *Store) RestoreRegistry() (*validator.Registry, bool, error) {
	identities, err := s.LoadValidators()
	if err != nil || identities == nil {
		return nil, false, err
	}
	reg := validator.NewRegistry()
	for _, identity := range identities {
		if err := reg.Register(identity); err != nil {
			return nil, false, err
		}
	}
	return reg, true, nil
}

// AppendEpoch implements epoch.Store.
func (s *Store) AppendEpoch(state *epoch.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("consensus store uninitialised")
	}
	encoded, err := epoch.EncodeState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(indexKey(epochPrefix, state.Number()), encoded); err != nil {
		return fmt.Errorf("epoch %d: %w", state.Number(), err)
	}
	head, ok, err := s.counter(epochHeadKey)
	if err != nil {
		return err
	}
	if !ok || state.Number() > head {
		return s.putCounter(epochHeadKey, state.Number())
	}
	return nil
}

// LoadEpochs returns up to limit of the most recent epoch states in
// ascending order. A zero limit returns the whole log.
func (s *Store) LoadEpochs(limit uint64) ([]*epoch.State, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("consensus store uninitialised")
	}
	head, ok, err := s.counter(epochHeadKey)
	if err != nil || !ok {
		return nil, err
	}
	from := uint64(0)
	if limit > 0 && head+1 > limit {
		from = head + 1 - limit
	}
	var out []*epoch.State
	for n := from; n <= head; n++ {
		data, err := s.db.Get(indexKey(epochPrefix, n))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		state, err := epoch.DecodeState(data)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", n, err)
		}
		out = append(out, state)
	}
	return out, nil
}

// AppendCertificate implements finality.Store.
func (s *Store) AppendCertificate(cert *types.FinalityCertificate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("consensus store uninitialised")
	}
	encoded, err := types.EncodeCertificate(cert)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(indexKey(certPrefix, cert.Height), encoded); err != nil {
		if !errors.Is(err, ErrExists) {
			return err
		}
		// Another quorum over the same block is not a conflict.
		data, getErr := s.db.Get(indexKey(certPrefix, cert.Height))
		if getErr != nil {
			return getErr
		}
		stored, decErr := types.DecodeCertificate(data)
		if decErr == nil && stored.BlockHash == cert.BlockHash {
			return nil
		}
		return fmt.Errorf("%w: height %d", types.ErrConflictingCertificate, cert.Height)
	}
	head, ok, err := s.counter(certHeadKey)
	if err != nil {
		return err
	}
	if !ok || cert.Height > head {
		if err := s.putCounter(certHeadKey, cert.Height); err != nil {
			return err
		}
	}
	tail, ok, err := s.counter(certTailKey)
	if err != nil {
		return err
	}
	if !ok || cert.Height < tail {
		return s.putCounter(certTailKey, cert.Height)
	}
	return nil
}

// Certificate implements finality.Store.
func (s *Store) Certificate(height uint64) (*types.FinalityCertificate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("consensus store uninitialised")
	}
	data, err := s.db.Get(indexKey(certPrefix, height))
	if err != nil {
		return nil, err
	}
	return types.DecodeCertificate(data)
}

// LoadCertificates returns persisted certificates with height >= from in
// ascending order.
func (s *Store) LoadCertificates(from uint64) ([]*types.FinalityCertificate, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("consensus store uninitialised")
	}
	head, ok, err := s.counter(certHeadKey)
	if err != nil || !ok {
		return nil, err
	}
	tail, _, err := s.counter(certTailKey)
	if err != nil {
		return nil, err
	}
	if from < tail {
		from = tail
	}
	var out []*types.FinalityCertificate
	for h := from; h <= head; h++ {
		cert, err := s.Certificate(h)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// appendLocked writes value at key unless an entry exists. Rewriting the
// identical bytes is a no-op.
func (s *Store) appendLocked(key, value []byte) error {
	existing, err := s.db.Get(key)
	switch {
	case err == nil:
		if string(existing) == string(value) {
			return nil
		}
		return ErrExists
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	return s.db.Put(key, value)
}

func (s *Store) counter(key []byte) (uint64, bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt counter %q", key)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func (s *Store) putCounter(key []byte, value uint64) error {
	return s.db.Put(key, types.Uint64Bytes(value))
}

func indexKey(prefix []byte, n uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return append(key, types.Uint64Bytes(n)...)
}
