package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"onboardgate/internal/domain"
	"onboardgate/internal/snapshot"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func orgKey(orgID string) string {
	if strings.TrimSpace(orgID) == "" {
		return domain.NoOrg
	}
	return orgID
}

// LoadSnapshot returns the facts stored for (userID, orgID). A pair that was
// never written loads as an empty object.
func (r Repo) LoadSnapshot(ctx context.Context, userID, orgID string) (snapshot.Object, error) {
	rec, err := r.GetSnapshot(ctx, userID, orgID)
	if errors.Is(err, ErrNotFound) {
		return snapshot.Object{}, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Doc, nil
}

// GetSnapshot returns the stored record or ErrNotFound.
func (r Repo) GetSnapshot(ctx context.Context, userID, orgID string) (domain.SnapshotRecord, error) {
	return r.getSnapshot(ctx, nil, userID, orgID)
}

// GetSnapshotTx reads a record inside tx.
func (r Repo) GetSnapshotTx(ctx context.Context, tx *sql.Tx, userID, orgID string) (domain.SnapshotRecord, error) {
	return r.getSnapshot(ctx, tx, userID, orgID)
}

func (r Repo) getSnapshot(ctx context.Context, tx *sql.Tx, userID, orgID string) (domain.SnapshotRecord, error) {
	row := r.conn(tx).QueryRowContext(ctx, `SELECT user_id, org_id, doc_json, created_at, updated_at FROM snapshots WHERE user_id=? AND org_id=?`,
		userID, orgKey(orgID))
	return scanSnapshot(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (domain.SnapshotRecord, error) {
	var rec domain.SnapshotRecord
	var doc string
	err := row.Scan(&rec.UserID, &rec.OrgID, &doc, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.SnapshotRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	obj, err := snapshot.ParseObject([]byte(doc))
	if err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("decode snapshot %s/%s: %w", rec.OrgID, rec.UserID, err)
	}
	rec.Doc = obj
	return rec, nil
}

// ListSnapshots returns every organization context stored for a user.
func (r Repo) ListSnapshots(ctx context.Context, userID string) ([]domain.SnapshotRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, org_id, doc_json, created_at, updated_at FROM snapshots WHERE user_id=? ORDER BY org_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertSnapshotTx writes rec, keeping the original created_at on update.
func (r Repo) UpsertSnapshotTx(ctx context.Context, tx *sql.Tx, rec domain.SnapshotRecord) error {
	if rec.UserID == "" {
		return errors.New("user_id required")
	}
	doc := rec.Doc
	if doc == nil {
		doc = snapshot.Object{}
	}
	payload, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO snapshots(user_id, org_id, doc_json, created_at, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id, org_id) DO UPDATE SET doc_json=excluded.doc_json, updated_at=excluded.updated_at`,
		rec.UserID, orgKey(rec.OrgID), string(payload), rec.CreatedAt, rec.UpdatedAt)
	return err
}

// DeleteSnapshotTx removes the stored facts for (userID, orgID).
func (r Repo) DeleteSnapshotTx(ctx context.Context, tx *sql.Tx, userID, orgID string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM snapshots WHERE user_id=? AND org_id=?`, userID, orgKey(orgID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns up to n events, newest first, with optional filters.
func (r Repo) LatestEvents(ctx context.Context, n int, orgID, evtType, entityID string) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id, ts, type, COALESCE(org_id,''), entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns up to n events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, n int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, ts, type, COALESCE(org_id,''), entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, n)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrgID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
