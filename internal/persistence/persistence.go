// Package persistence stores grid snapshots so the registry survives a
// process restart.
package persistence

import (
	"encoding/json"
	"fmt"

	"grid-engine-go/internal/models"

	badger "github.com/dgraph-io/badger/v3"
)

// GridRepository is the snapshot store used by the grid manager.
type GridRepository interface {
	Save(snap *models.GridSnapshot) error
	LoadAll() ([]*models.GridSnapshot, error)
	Delete(id string) error
	Close() error
}

const gridKeyPrefix = "grid:"

// BadgerRepository persists snapshots as JSON values in a local Badger
// database, one key per grid.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the database at path.
func NewBadgerRepository(path string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logging is too chatty for a CLI daemon
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening grid database at %s: %w", path, err)
	}
	return &BadgerRepository{db: db}, nil
}

func gridKey(id string) []byte {
	return []byte(gridKeyPrefix + id)
}

// Save writes the snapshot, replacing any previous version of the grid.
func (r *BadgerRepository) Save(snap *models.GridSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding grid %s: %w", snap.ID, err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(gridKey(snap.ID), data)
	})
}

// LoadAll returns every stored snapshot.
func (r *BadgerRepository) LoadAll() ([]*models.GridSnapshot, error) {
	var snaps []*models.GridSnapshot
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(gridKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snap models.GridSnapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					return fmt.Errorf("decoding stored grid %s: %w", it.Item().Key(), err)
				}
				snaps = append(snaps, &snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Delete removes the grid's snapshot. Deleting a missing grid is a no-op.
func (r *BadgerRepository) Delete(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(gridKey(id))
	})
}

// Close flushes and closes the underlying database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
