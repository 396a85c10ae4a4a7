// Package storage holds the key-value backends consensus state is persisted
// to.
package storage

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is the key-value contract the consensus stores write through.
// Implementations must copy values on both Put and Get.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Close()
}

var (
	_ Database = (*MemDB)(nil)
	_ Database = (*LevelDB)(nil)
)
