// Package store provides the durable local key-value collaborator used for
// wrapped keys, the master key, compromise records, re-encryption tasks and
// upload checkpoints. Values are opaque bytes; callers own serialization.
package store

import "errors"

// Collection names a namespace within the store.
type Collection string

const (
	// CollectionKeys holds wrapped encryption keys by key id.
	CollectionKeys Collection = "keys"
	// CollectionMaster holds the single master key record.
	CollectionMaster Collection = "master"
	// CollectionRotations holds key rotation metadata by key id.
	CollectionRotations Collection = "rotations"
	// CollectionCompromises holds compromise detection results by key id.
	CollectionCompromises Collection = "compromises"
	// CollectionTasks holds re-encryption tasks by task id.
	CollectionTasks Collection = "tasks"
	// CollectionCheckpoints holds partial upload states by file id.
	CollectionCheckpoints Collection = "checkpoints"
	// CollectionFiles holds file metadata by blob id.
	CollectionFiles Collection = "files"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is a durable key-value store over named collections. Get returns
// (nil, nil) when the id is absent so callers can distinguish "missing" from
// a storage failure.
type Store interface {
	Put(collection Collection, id string, value []byte) error
	Get(collection Collection, id string) ([]byte, error)
	GetAll(collection Collection) (map[string][]byte, error)
	Delete(collection Collection, id string) error
	Close() error
}
