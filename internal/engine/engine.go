package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"onboardgate/internal/config"
	"onboardgate/internal/domain"
	"onboardgate/internal/events"
	"onboardgate/internal/flow"
	"onboardgate/internal/gate"
	"onboardgate/internal/repo"
	"onboardgate/internal/snapshot"
)

// APIKeyPrefix marks plaintext keys issued by CreateAPIKey.
const APIKeyPrefix = "ogk_"

// ErrInvalidInput marks errors caused by the caller's arguments rather than
// by storage.
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config

	// Onboarding answers gate checks against Repo.
	Onboarding gate.Service
	Now        func() time.Time
}

// New wires the engine with the cache backend named by cfg.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	var cache gate.Cache
	switch cfg.Gate.Cache {
	case config.CacheSQLite:
		cache = gate.NewSQLCache(r, cfg.Gate.CacheTTL)
	default:
		cache = gate.NewMemoryCache(cfg.Gate.CacheTTL)
	}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Onboarding: gate.New(r, cache),
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func normalizeOrg(orgID string) string {
	if strings.TrimSpace(orgID) == "" {
		return domain.NoOrg
	}
	return orgID
}

// Snapshot returns the stored facts for (userID, orgID). A pair that was never
// written returns an empty record without error.
func (e Engine) Snapshot(ctx context.Context, userID, orgID string) (domain.SnapshotRecord, error) {
	if userID == "" {
		return domain.SnapshotRecord{}, invalidf("user is required")
	}
	rec, err := e.Repo.GetSnapshot(ctx, userID, orgID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SnapshotRecord{UserID: userID, OrgID: normalizeOrg(orgID), Doc: snapshot.Object{}}, nil
	}
	if err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("load snapshot: %w", err)
	}
	return rec, nil
}

// SetFacts applies dotted-path assignments to the stored snapshot in one
// transaction. Paths are applied in sorted order; a nil value stores null.
func (e Engine) SetFacts(ctx context.Context, userID, orgID, actorID string, fields map[string]any) (domain.SnapshotRecord, error) {
	if userID == "" {
		return domain.SnapshotRecord{}, invalidf("user is required")
	}
	if len(fields) == 0 {
		return domain.SnapshotRecord{}, invalidf("no fields to set")
	}
	paths := make([]string, 0, len(fields))
	values := make(map[string]snapshot.Value, len(fields))
	for path, raw := range fields {
		if strings.TrimSpace(path) == "" {
			return domain.SnapshotRecord{}, snapshot.ErrEmptyPath
		}
		v, err := snapshot.FromAny(raw)
		if err != nil {
			return domain.SnapshotRecord{}, fmt.Errorf("%w: field %s: %w", ErrInvalidInput, path, err)
		}
		paths = append(paths, path)
		values[path] = v
	}
	sort.Strings(paths)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	rec, err := e.Repo.GetSnapshotTx(ctx, tx, userID, orgID)
	if errors.Is(err, repo.ErrNotFound) {
		rec = domain.SnapshotRecord{UserID: userID, OrgID: normalizeOrg(orgID), Doc: snapshot.Object{}, CreatedAt: now}
	} else if err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("load snapshot: %w", err)
	}
	for _, path := range paths {
		if err := snapshot.Set(rec.Doc, path, values[path]); err != nil {
			return domain.SnapshotRecord{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	rec.UpdatedAt = now
	if err := e.Repo.UpsertSnapshotTx(ctx, tx, rec); err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("store snapshot: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.SnapshotSet, rec.OrgID, "snapshot", userID, actorOr(actorID, userID), events.EventPayload{"paths": paths}); err != nil {
		return domain.SnapshotRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SnapshotRecord{}, err
	}
	return rec, nil
}

// ReplaceSnapshot overwrites the stored facts with doc.
func (e Engine) ReplaceSnapshot(ctx context.Context, userID, orgID, actorID string, doc snapshot.Object) (domain.SnapshotRecord, error) {
	if userID == "" {
		return domain.SnapshotRecord{}, invalidf("user is required")
	}
	if doc == nil {
		doc = snapshot.Object{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.SnapshotRecord{UserID: userID, OrgID: normalizeOrg(orgID), Doc: doc.Clone(), CreatedAt: now, UpdatedAt: now}
	if prev, err := e.Repo.GetSnapshotTx(ctx, tx, userID, orgID); err == nil {
		rec.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.SnapshotRecord{}, fmt.Errorf("load snapshot: %w", err)
	}
	if err := e.Repo.UpsertSnapshotTx(ctx, tx, rec); err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("store snapshot: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.SnapshotReplace, rec.OrgID, "snapshot", userID, actorOr(actorID, userID), events.EventPayload{"keys": doc.SortedKeys()}); err != nil {
		return domain.SnapshotRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SnapshotRecord{}, err
	}
	return rec, nil
}

// UnsetFacts removes the given dotted paths from the stored snapshot. Paths
// that do not exist are ignored; a pair with no snapshot is ErrNotFound.
func (e Engine) UnsetFacts(ctx context.Context, userID, orgID, actorID string, paths []string) (domain.SnapshotRecord, error) {
	if userID == "" {
		return domain.SnapshotRecord{}, invalidf("user is required")
	}
	clean := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			return domain.SnapshotRecord{}, snapshot.ErrEmptyPath
		}
		clean = append(clean, path)
	}
	if len(clean) == 0 {
		return domain.SnapshotRecord{}, invalidf("no paths to unset")
	}
	sort.Strings(clean)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetSnapshotTx(ctx, tx, userID, orgID)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	for _, path := range clean {
		snapshot.Delete(rec.Doc, path)
	}
	rec.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertSnapshotTx(ctx, tx, rec); err != nil {
		return domain.SnapshotRecord{}, fmt.Errorf("store snapshot: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.SnapshotUnset, rec.OrgID, "snapshot", userID, actorOr(actorID, userID), events.EventPayload{"paths": clean}); err != nil {
		return domain.SnapshotRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SnapshotRecord{}, err
	}
	return rec, nil
}

// ListSnapshots returns every organization context stored for userID.
func (e Engine) ListSnapshots(ctx context.Context, userID string) ([]domain.SnapshotRecord, error) {
	if userID == "" {
		return nil, invalidf("user is required")
	}
	return e.Repo.ListSnapshots(ctx, userID)
}

// DeleteSnapshot removes the stored facts; the user is back at the first step
// once any cached verdict expires.
func (e Engine) DeleteSnapshot(ctx context.Context, userID, orgID, actorID string) error {
	if userID == "" {
		return invalidf("user is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteSnapshotTx(ctx, tx, userID, orgID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.SnapshotDelete, normalizeOrg(orgID), "snapshot", userID, actorOr(actorID, userID), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Gate returns the (possibly cached) onboarding verdict.
func (e Engine) Gate(ctx context.Context, userID, orgID string) (gate.State, error) {
	if userID == "" {
		return gate.State{}, invalidf("user is required")
	}
	return e.Onboarding.OnboardingGate(ctx, userID, orgID)
}

// Explain evaluates without the cache and reports the visited path.
func (e Engine) Explain(ctx context.Context, userID, orgID string) (flow.Verdict, string, error) {
	if userID == "" {
		return flow.Verdict{}, "", invalidf("user is required")
	}
	return e.Onboarding.Explain(ctx, userID, orgID)
}

// Flow returns the definition the gate evaluates.
func (e Engine) Flow() flow.Definition {
	if e.Onboarding.Flow != nil {
		return e.Onboarding.Flow
	}
	return flow.Onboarding()
}

// CreateAPIKey issues a key for userID. The plaintext is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, orgID, name string) (string, domain.APIKey, error) {
	if userID == "" {
		return "", domain.APIKey{}, invalidf("user is required")
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plaintext := APIKeyPrefix + hex.EncodeToString(secret)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		OrgID:     keyOrg(orgID),
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreate, key.OrgID, "api_key", key.ID, userID, events.EventPayload{"name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// RevokeAPIKey deletes one of userID's keys. Keys owned by another user are
// reported as ErrNotFound.
func (e Engine) RevokeAPIKey(ctx context.Context, userID, id string) error {
	if userID == "" {
		return invalidf("user is required")
	}
	if strings.TrimSpace(id) == "" {
		return invalidf("key id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, userID, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoke, "", "api_key", id, userID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// keyOrg maps the "no organization" marker to an empty org so the key
// follows the X-Org-Id header.
func keyOrg(orgID string) string {
	orgID = strings.TrimSpace(orgID)
	if orgID == domain.NoOrg {
		return ""
	}
	return orgID
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}
