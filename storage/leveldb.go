package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const (
	levelDBBlockCache = 16 * opt.MiB
	levelDBOpenFiles  = 256
)

// LevelDB persists consensus state on disk.
type LevelDB struct {
	db    *leveldb.DB
	write *opt.WriteOptions
}

// NewLevelDB opens or creates the database at path. A corrupted manifest is
// recovered once before giving up. With syncWrites every Put is fsynced
// before returning, which finality records rely on.
func NewLevelDB(path string, syncWrites bool) (*LevelDB, error) {
	options := &opt.Options{
		BlockCacheCapacity:     levelDBBlockCache,
		OpenFilesCacheCapacity: levelDBOpenFiles,
	}
	db, err := leveldb.OpenFile(path, options)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, options)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db, write: &opt.WriteOptions{Sync: syncWrites}}, nil
}

func (l *LevelDB) Put(key []byte, value []byte) error {
	return l.db.Put(key, value, l.write)
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (l *LevelDB) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *LevelDB) Close() {
	_ = l.db.Close()
}
