package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogers-f/prerender/internal/domain"
)

// BuildRepo handles persistence for finished builds and their recorded
// dynamic accesses.
type BuildRepo struct{}

// SaveTx inserts a build and its access log within an existing transaction.
func (r *BuildRepo) SaveTx(ctx context.Context, tx *sql.Tx, rec domain.BuildRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal build metadata: %w", err)
	}

	const q = `INSERT INTO builds (build_id, has_dynamic_content, has_deferred_state, metadata_json,
	shell_markup, deferred_state_json, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		rec.BuildID,
		boolToInt(rec.Metadata.HasDynamicContent),
		boolToInt(rec.Metadata.HasDeferredState),
		string(meta),
		rec.ShellMarkup,
		string(rec.DeferredState),
		rec.Metadata.ShellChecksum,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save build: %w", err)
	}

	const qa = `INSERT INTO build_accesses (build_id, seq_no, expression, captured_at) VALUES (?, ?, ?, ?)`
	for i, a := range rec.Accesses {
		if _, err := tx.ExecContext(ctx, qa, rec.BuildID, i+1, a.Expression, a.CapturedAt); err != nil {
			return fmt.Errorf("save build access %d: %w", i+1, err)
		}
	}
	return nil
}

// GetLatest returns the most recent build, with its access log.
// Returns nil if no build exists.
func (r *BuildRepo) GetLatest(ctx context.Context, db *sql.DB) (*domain.BuildRecord, error) {
	const q = `SELECT id, build_id, metadata_json, shell_markup, deferred_state_json, checksum, created_at
FROM builds
ORDER BY created_at DESC, id DESC
LIMIT 1`
	return r.getOne(ctx, db, q)
}

// GetByID returns the build with the given build ID, or nil if none exists.
func (r *BuildRepo) GetByID(ctx context.Context, db *sql.DB, buildID string) (*domain.BuildRecord, error) {
	const q = `SELECT id, build_id, metadata_json, shell_markup, deferred_state_json, checksum, created_at
FROM builds
WHERE build_id = ?`
	return r.getOne(ctx, db, q, buildID)
}

func (r *BuildRepo) getOne(ctx context.Context, db *sql.DB, q string, args ...any) (*domain.BuildRecord, error) {
	row := db.QueryRowContext(ctx, q, args...)

	var rec domain.BuildRecord
	var meta, deferred, checksum string
	err := row.Scan(&rec.ID, &rec.BuildID, &meta, &rec.ShellMarkup, &deferred, &checksum, &rec.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get build: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode build metadata: %w", err)
	}
	if deferred != "" {
		rec.DeferredState = json.RawMessage(deferred)
	}
	if domain.ShellChecksum(rec.ShellMarkup) != checksum {
		return nil, domain.NewEngineError(
			domain.ErrSnapshotCorrupt.Code,
			fmt.Sprintf("build %s: stored shell does not match checksum", rec.BuildID),
		)
	}

	accesses, err := r.listAccesses(ctx, db, rec.BuildID)
	if err != nil {
		return nil, err
	}
	rec.Accesses = accesses
	return &rec, nil
}

// List returns up to limit builds, newest first. Shell markup and accesses
// are not loaded.
func (r *BuildRepo) List(ctx context.Context, db *sql.DB, limit int) ([]domain.BuildRecord, error) {
	const q = `SELECT id, build_id, metadata_json, created_at
FROM builds
ORDER BY created_at DESC, id DESC
LIMIT ?`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []domain.BuildRecord
	for rows.Next() {
		var rec domain.BuildRecord
		var meta string
		if err := rows.Scan(&rec.ID, &rec.BuildID, &meta, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode build metadata: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *BuildRepo) listAccesses(ctx context.Context, db *sql.DB, buildID string) ([]domain.AccessEvent, error) {
	const q = `SELECT expression, captured_at FROM build_accesses WHERE build_id = ? ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, buildID)
	if err != nil {
		return nil, fmt.Errorf("list build accesses: %w", err)
	}
	defer rows.Close()

	var out []domain.AccessEvent
	for rows.Next() {
		var a domain.AccessEvent
		if err := rows.Scan(&a.Expression, &a.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan build access: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
