package store

import (
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerStore implements Store on an embedded BadgerDB.
type badgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger-backed store at dir.
func OpenBadger(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Badger's own logging is too chatty for a key store

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &badgerStore{db: db}, nil
}

// composite builds the physical key for a collection/id pair.
func composite(collection Collection, id string) []byte {
	return []byte(string(collection) + "/" + id)
}

// Put stores value under collection/id, overwriting any existing value.
func (s *badgerStore) Put(collection Collection, id string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(composite(collection, id), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get retrieves the value under collection/id, or (nil, nil) when absent.
func (s *badgerStore) Get(collection Collection, id string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(composite(collection, id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return value, nil
}

// GetAll returns every id/value pair in a collection.
func (s *badgerStore) GetAll(collection Collection) (map[string][]byte, error) {
	prefix := []byte(string(collection) + "/")
	out := make(map[string][]byte)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[id] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection %s: %w", collection, err)
	}
	return out, nil
}

// Delete removes collection/id. Deleting an absent id is not an error.
func (s *badgerStore) Delete(collection Collection, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(composite(collection, id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}
