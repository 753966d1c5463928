package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rogers-f/prerender/internal/domain"
)

// CacheRepo handles persistence for the content cache.
type CacheRepo struct{}

// ReplaceAllTx deletes every stored entry and inserts entries in their place
// within an existing transaction.
func (r *CacheRepo) ReplaceAllTx(ctx context.Context, tx *sql.Tx, entries []domain.CacheEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cache_entries (name, args_json, value_json, updated_at)
VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare cache insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Name, e.Args, string(e.Value), now); err != nil {
			return fmt.Errorf("insert cache entry %s: %w", e.Name, err)
		}
	}
	return nil
}

// ReplaceAll swaps the stored cache for entries in a single transaction.
func (r *CacheRepo) ReplaceAll(ctx context.Context, db *sql.DB, entries []domain.CacheEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.ReplaceAllTx(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadAll returns every stored entry ordered by name, then arguments.
func (r *CacheRepo) LoadAll(ctx context.Context, db *sql.DB) ([]domain.CacheEntry, error) {
	const q = `SELECT name, args_json, value_json FROM cache_entries ORDER BY name, args_json`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load cache entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.CacheEntry
	for rows.Next() {
		var e domain.CacheEntry
		var value string
		if err := rows.Scan(&e.Name, &e.Args, &value); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.Value = json.RawMessage(value)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (r *CacheRepo) Count(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// DeleteAll removes every stored entry and reports how many were removed.
func (r *CacheRepo) DeleteAll(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	return res.RowsAffected()
}

// CachePersister binds a CacheRepo to a database so it can back the
// in-memory cache.
type CachePersister struct {
	DB   *sql.DB
	Repo *CacheRepo
}

// NewCachePersister creates a persister over db.
func NewCachePersister(db *sql.DB) *CachePersister {
	return &CachePersister{DB: db, Repo: &CacheRepo{}}
}

// SaveCache replaces the persisted cache with entries.
func (p *CachePersister) SaveCache(ctx context.Context, entries []domain.CacheEntry) error {
	if err := p.Repo.ReplaceAll(ctx, p.DB, entries); err != nil {
		return domain.ErrStoreWrite.Wrap(err)
	}
	return nil
}

// LoadCache returns the persisted cache.
func (p *CachePersister) LoadCache(ctx context.Context) ([]domain.CacheEntry, error) {
	entries, err := p.Repo.LoadAll(ctx, p.DB)
	if err != nil {
		return nil, domain.ErrStoreQuery.Wrap(err)
	}
	return entries, nil
}
