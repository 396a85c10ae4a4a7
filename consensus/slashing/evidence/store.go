package evidence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"adaptivechain/consensus/types"
	"adaptivechain/storage"
)

var (
	recordPrefix = []byte("consensus/slashing/evidence/record/")
	indexKey     = []byte("consensus/slashing/evidence/index")
)

// Store keeps accepted evidence keyed by fingerprint.
type Store struct {
	db storage.Database
	mu sync.RWMutex
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Put stores record unless its fingerprint is already present, in which case
// the existing record is returned with created=false.
func (s *Store) Put(record *Record) (*Record, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("evidence store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.get(record.Fingerprint); err != nil {
		return nil, false, err
	} else if ok {
		return existing, false, nil
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, false, err
	}
	// The record is the commit point; List skips indexed fingerprints
	// whose record never landed.
	if err := s.appendIndex(record.Fingerprint); err != nil {
		return nil, false, err
	}
	if err := s.db.Put(buildRecordKey(record.Fingerprint), encoded); err != nil {
		return nil, false, err
	}
	return record.Clone(), true, nil
}

func (s *Store) Get(fingerprint types.Hash) (*Record, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("evidence store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(fingerprint)
}

// List returns matching records newest first and the offset of the next page,
// or -1 when there is none.
func (s *Store) List(filter Filter) ([]*Record, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("evidence store not initialised")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fingerprints, err := s.loadIndex()
	if err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	matches := make([]*Record, 0, limit)
	matchCount := 0
	hasMore := false

	for i := len(fingerprints) - 1; i >= 0; i-- {
		record, ok, err := s.get(fingerprints[i])
		if err != nil {
			return nil, 0, err
		}
		if !ok || !matchesFilter(record, filter) {
			continue
		}
		if matchCount < offset {
			matchCount++
			continue
		}
		if len(matches) >= limit {
			hasMore = true
			break
		}
		matches = append(matches, record)
		matchCount++
	}
	nextOffset := -1
	if hasMore {
		nextOffset = offset + len(matches)
	}
	return matches, nextOffset, nil
}

func (s *Store) get(fingerprint types.Hash) (*Record, bool, error) {
	data, err := s.db.Get(buildRecordKey(fingerprint))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record Record
	if err := rlp.DecodeBytes(data, &record); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

func (s *Store) appendIndex(fingerprint types.Hash) error {
	fingerprints, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, existing := range fingerprints {
		if existing == fingerprint {
			return nil
		}
	}
	fingerprints = append(fingerprints, fingerprint)
	encoded, err := rlp.EncodeToBytes(fingerprints)
	if err != nil {
		return err
	}
	return s.db.Put(indexKey, encoded)
}

func (s *Store) loadIndex() ([]types.Hash, error) {
	data, err := s.db.Get(indexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fingerprints []types.Hash
	if err := rlp.DecodeBytes(data, &fingerprints); err != nil {
		return nil, err
	}
	return fingerprints, nil
}

func buildRecordKey(fingerprint types.Hash) []byte {
	key := make([]byte, len(recordPrefix)+len(fingerprint))
	copy(key, recordPrefix)
	copy(key[len(recordPrefix):], fingerprint[:])
	return key
}

func matchesFilter(record *Record, filter Filter) bool {
	if filter.Accused != nil && record.Evidence.Accused != *filter.Accused {
		return false
	}
	if filter.Kind != 0 && record.Evidence.Kind != filter.Kind {
		return false
	}
	if filter.FromEpoch != nil && record.Evidence.Epoch < *filter.FromEpoch {
		return false
	}
	if filter.ToEpoch != nil && record.Evidence.Epoch > *filter.ToEpoch {
		return false
	}
	return true
}
