// Package postgres implements content.Store backed by PostgreSQL, for
// deployments that keep pinned envelopes next to their own database rather
// than on a pinning service.
//
// Content is addressed by its CID, so pinning the same bytes twice is a
// no-op apart from refreshing the name.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/medseal/content"
)

// Store implements content.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ content.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) PinJSON(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	return s.pin(ctx, name, "json", data)
}

func (s *Store) PinFile(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	return s.pin(ctx, name, "file", data)
}

func (s *Store) pin(ctx context.Context, name, kind string, data []byte) (content.PinResult, error) {
	id, err := content.ComputeCID(data)
	if err != nil {
		return content.PinResult{}, err
	}
	pinnedAt := s.now().UTC()
	err = s.pool.QueryRow(ctx,
		`INSERT INTO pins (cid, name, kind, size, data, pinned_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (cid) DO UPDATE SET name = $2
		 RETURNING pinned_at`,
		id, name, kind, int64(len(data)), data, pinnedAt).Scan(&pinnedAt)
	if err != nil {
		return content.PinResult{}, fmt.Errorf("pinning %s: %w", id, err)
	}
	return content.PinResult{CID: id, PinSize: int64(len(data)), Timestamp: pinnedAt.UTC()}, nil
}

func (s *Store) Fetch(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM pins WHERE cid = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, content.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List returns the ids of all pinned content of the given kind ("json" or
// "file"), or of every kind when kind is empty, oldest first.
func (s *Store) List(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cid FROM pins WHERE $1 = '' OR kind = $1 ORDER BY pinned_at, cid`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
