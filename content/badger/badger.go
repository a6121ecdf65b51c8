// Package badger provides a BadgerDB-backed content store, an alternative to
// the bbolt store for local deployments that pin many large attachments.
//
// Blobs live under "blob:<cid>" and their pin metadata under "pin:<cid>".
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jmcleod/medseal/content"
)

const (
	prefixBlob = "blob:"
	prefixPin  = "pin:"
)

type pinInfo struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Size     int64     `json:"size"`
	PinnedAt time.Time `json:"pinnedAt"`
}

// Store implements content.Store backed by BadgerDB.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

var _ content.Store = (*Store)(nil)

// NewStore returns a Store backed by an open database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PinJSON(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	return s.pin(ctx, name, "json", data)
}

func (s *Store) PinFile(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	return s.pin(ctx, name, "file", data)
}

func (s *Store) pin(ctx context.Context, name, kind string, data []byte) (content.PinResult, error) {
	if err := ctx.Err(); err != nil {
		return content.PinResult{}, err
	}
	id, err := content.ComputeCID(data)
	if err != nil {
		return content.PinResult{}, err
	}
	info := pinInfo{Name: name, Kind: kind, Size: int64(len(data)), PinnedAt: s.now().UTC()}
	meta, err := json.Marshal(info)
	if err != nil {
		return content.PinResult{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixBlob+id), data); err != nil {
			return err
		}
		return txn.Set([]byte(prefixPin+id), meta)
	})
	if err != nil {
		return content.PinResult{}, fmt.Errorf("pinning %s: %w", id, err)
	}
	return content.PinResult{CID: id, PinSize: info.Size, Timestamp: info.PinnedAt}, nil
}

func (s *Store) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixBlob + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, content.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the ids of all pinned content of the given kind ("json" or
// "file"), or of every kind when kind is empty.
func (s *Store) List(kind string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPin)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var info pinInfo
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &info)
			})
			if err != nil {
				return err
			}
			if kind == "" || info.Kind == kind {
				ids = append(ids, string(item.Key()[len(prefix):]))
			}
		}
		return nil
	})
	return ids, err
}
