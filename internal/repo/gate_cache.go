package repo

import (
	"context"
	"database/sql"
	"errors"

	"onboardgate/internal/domain"
)

// GetGateRecord reads a cached gate verdict by key.
func (r Repo) GetGateRecord(ctx context.Context, key string) (domain.GateRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT user_id, org_id, complete, COALESCE(next_step,''), etag, computed_at FROM gate_cache WHERE cache_key=?`, key)
	var rec domain.GateRecord
	var complete int
	err := row.Scan(&rec.UserID, &rec.OrgID, &complete, &rec.NextStep, &rec.ETag, &rec.ComputedAt)
	if err == sql.ErrNoRows {
		return domain.GateRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.GateRecord{}, err
	}
	rec.Complete = complete != 0
	return rec, nil
}

// PutGateRecord stores or overwrites a cached gate verdict.
func (r Repo) PutGateRecord(ctx context.Context, key string, rec domain.GateRecord) error {
	if key == "" {
		return errors.New("cache key required")
	}
	complete := 0
	if rec.Complete {
		complete = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gate_cache(cache_key, user_id, org_id, complete, next_step, etag, computed_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(cache_key) DO UPDATE SET complete=excluded.complete, next_step=excluded.next_step, etag=excluded.etag, computed_at=excluded.computed_at`,
		key, rec.UserID, orgKey(rec.OrgID), complete, nullable(rec.NextStep), rec.ETag, rec.ComputedAt)
	return err
}

// DeleteGateRecord evicts a cached verdict. Missing keys are not an error.
func (r Repo) DeleteGateRecord(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM gate_cache WHERE cache_key=?`, key)
	return err
}
