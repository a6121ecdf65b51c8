// Package bbolt provides a BBolt-backed content store for local and
// development deployments.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/medseal/content"
)

var (
	blobBucket = []byte("blobs")
	pinBucket  = []byte("pins")
)

// pinInfo is the metadata kept next to each blob.
type pinInfo struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Size     int64     `json:"size"`
	PinnedAt time.Time `json:"pinnedAt"`
}

// Store implements content.Store backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ content.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{blobBucket, pinBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewStoreFromFile opens a BBolt database at path and returns a Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
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

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(blobBucket).Put([]byte(id), data); err != nil {
			return err
		}
		return tx.Bucket(pinBucket).Put([]byte(id), meta)
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
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blobBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%s: %w", id, content.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the ids of all pinned content of the given kind ("json" or
// "file"), or of every kind when kind is empty.
func (s *Store) List(kind string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(pinBucket).ForEach(func(k, v []byte) error {
			var info pinInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			if kind == "" || info.Kind == kind {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}
