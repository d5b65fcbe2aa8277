package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"onboardgate/internal/config"
	"onboardgate/internal/db"
	"onboardgate/internal/engine"
	"onboardgate/internal/events"
	"onboardgate/internal/flow"
	"onboardgate/internal/gate"
	"onboardgate/internal/migrate"
	"onboardgate/internal/repo"
	"onboardgate/internal/snapshot"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

var joinFacts = map[string]any{
	"user.emailOrPhone":     "a@b.com",
	"user.authMethod":       "password",
	"user.verified":         true,
	"membership.choice":     "join",
	"membership.orgId":      "org1",
	"membership.role":       "staff",
	"orgJoin.mode":          "inviteCode",
	"orgJoin.token":         "X",
	"i9.section1.completed": true,
	"i9.section2.completed": true,
	"i9.docsUploaded":       []any{map[string]any{"kind": "passport"}},
}

func TestSetFactsProgressesGate(t *testing.T) {
	env := newTestEnv(t, nil)
	st, err := env.Engine.Gate(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if st.Complete || st.NextStep != flow.StepAccount {
		t.Fatalf("expected account step, got %+v", st)
	}

	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", joinFacts); err != nil {
		t.Fatalf("set facts: %v", err)
	}
	st, err = env.Engine.Gate(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if st.Complete || st.NextStep != flow.StepI9AndDocs {
		t.Fatalf("expected i9AndDocs, got %+v", st)
	}

	rec, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", map[string]any{"i9.status": "verified"})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if v, ok := snapshot.Lookup(rec.Doc, "user.verified"); !ok || v != snapshot.Bool(true) {
		t.Fatalf("earlier facts lost: %v %v", v, ok)
	}
	st, err = env.Engine.Gate(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !st.Complete || st.NextStep != "" {
		t.Fatalf("expected complete, got %+v", st)
	}
}

func TestSetFactsRecordsEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "", "admin", map[string]any{"user.verified": true, "user.authMethod": "google"}); err != nil {
		t.Fatalf("set facts: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", events.SnapshotSet, "u1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	if evts[0].ActorID != "admin" || evts[0].OrgID != "-" {
		t.Fatalf("unexpected event %+v", evts[0])
	}
	if evts[0].Payload != `{"paths":["user.authMethod","user.verified"]}` {
		t.Fatalf("unexpected payload %s", evts[0].Payload)
	}
}

func TestSetFactsRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.SetFacts(env.Ctx, "", "org1", "", map[string]any{"a": 1}); err == nil {
		t.Fatalf("expected user required")
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", nil); err == nil {
		t.Fatalf("expected no fields error")
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", map[string]any{"": 1}); !errors.Is(err, snapshot.ErrEmptyPath) {
		t.Fatalf("expected empty path error, got %v", err)
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", map[string]any{"a..b": 1}); err == nil {
		t.Fatalf("expected empty segment error")
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", map[string]any{"a": struct{}{}}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
	rec, err := env.Engine.Snapshot(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(rec.Doc) != 0 {
		t.Fatalf("failed writes must not persist, got %v", rec.Doc)
	}
}

func TestReplaceAndDeleteSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := snapshot.Object{"user": snapshot.Object{"emailOrPhone": snapshot.String("x@y.z")}}
	if _, err := env.Engine.ReplaceSnapshot(env.Ctx, "u1", "org1", "", doc); err != nil {
		t.Fatalf("replace: %v", err)
	}
	rec, err := env.Engine.Snapshot(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if v, ok := snapshot.Lookup(rec.Doc, "user.emailOrPhone"); !ok || v != snapshot.String("x@y.z") {
		t.Fatalf("replace not stored: %v", rec.Doc)
	}
	if err := env.Engine.DeleteSnapshot(env.Ctx, "u1", "org1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteSnapshot(env.Ctx, "u1", "org1", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 0, "org1", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 || evts[0].Type != events.SnapshotDelete || evts[1].Type != events.SnapshotReplace {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestCompleteVerdictIsCachedAcrossRegression(t *testing.T) {
	env := newTestEnv(t, nil)
	facts := map[string]any{"i9.status": "verified"}
	for k, v := range joinFacts {
		facts[k] = v
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", facts); err != nil {
		t.Fatalf("set facts: %v", err)
	}
	first, err := env.Engine.Gate(env.Ctx, "u1", "org1")
	if err != nil || !first.Complete {
		t.Fatalf("expected complete: %+v %v", first, err)
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", map[string]any{"i9.status": "pending"}); err != nil {
		t.Fatalf("regress: %v", err)
	}
	second, err := env.Engine.Gate(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !second.Complete || second.Fingerprint != first.Fingerprint {
		t.Fatalf("complete verdict should be served from cache, got %+v", second)
	}
	verdict, fp, err := env.Engine.Explain(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if verdict.Complete || verdict.NextStep != flow.StepI9AndDocs || verdict.Missing != "i9.status" {
		t.Fatalf("explain should see live data, got %+v", verdict)
	}
	if fp == first.Fingerprint {
		t.Fatalf("fingerprint should change with data")
	}
}

func TestSQLiteCacheBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Gate.Cache = config.CacheSQLite
	env := newTestEnv(t, cfg)
	if _, ok := env.Engine.Onboarding.Cache.(gate.SQLCache); !ok {
		t.Fatalf("expected sqlite cache, got %T", env.Engine.Onboarding.Cache)
	}
	st, err := env.Engine.Gate(env.Ctx, "u1", "")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	rec, err := env.Engine.Repo.GetGateRecord(env.Ctx, gate.Key("u1", ""))
	if err != nil {
		t.Fatalf("cache row: %v", err)
	}
	if rec.ETag != st.Fingerprint || rec.NextStep != string(flow.StepAccount) {
		t.Fatalf("unexpected cache row %+v", rec)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	plaintext, key, err := env.Engine.CreateAPIKey(env.Ctx, "u1", "org1", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(plaintext, engine.APIKeyPrefix) {
		t.Fatalf("unexpected key %q", plaintext)
	}
	if key.KeyHash == plaintext || key.KeyHash != repo.HashAPIKey(plaintext) {
		t.Fatalf("key must be stored hashed")
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.ID != key.ID || stored.UserID != "u1" || stored.OrgID != "org1" {
		t.Fatalf("unexpected stored key %+v", stored)
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "", "", ""); err == nil {
		t.Fatalf("expected user required")
	}
}

func TestCreateAPIKeyWithoutOrg(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, org := range []string{"", "-", " - "} {
		_, key, err := env.Engine.CreateAPIKey(env.Ctx, "u1", org, "")
		if err != nil {
			t.Fatalf("create key: %v", err)
		}
		if key.OrgID != "" {
			t.Fatalf("org %q stored as %q", org, key.OrgID)
		}
		stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if stored.OrgID != "" {
			t.Fatalf("org %q persisted as %q", org, stored.OrgID)
		}
	}
}

func TestRevokeAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	_, key, err := env.Engine.CreateAPIKey(env.Ctx, "u1", "org1", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "u2", key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "u1", key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	keys, err := env.Engine.Repo.ListAPIKeys(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %+v", keys)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "", events.APIKeyRevoke, key.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].ActorID != "u1" {
		t.Fatalf("unexpected events %+v", evts)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "u1", " "); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUnsetFacts(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.UnsetFacts(env.Ctx, "u1", "org1", "", []string{"user.verified"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found without snapshot, got %v", err)
	}
	if _, err := env.Engine.SetFacts(env.Ctx, "u1", "org1", "", joinFacts); err != nil {
		t.Fatalf("set facts: %v", err)
	}
	rec, err := env.Engine.UnsetFacts(env.Ctx, "u1", "org1", "admin", []string{"user.verified", "orgJoin", "no.such.path"})
	if err != nil {
		t.Fatalf("unset: %v", err)
	}
	if _, ok := snapshot.Lookup(rec.Doc, "user.verified"); ok {
		t.Fatalf("user.verified should be gone")
	}
	if _, ok := snapshot.Lookup(rec.Doc, "orgJoin.mode"); ok {
		t.Fatalf("orgJoin should be gone")
	}
	if _, ok := snapshot.Lookup(rec.Doc, "user.emailOrPhone"); !ok {
		t.Fatalf("siblings must be kept")
	}
	st, err := env.Engine.Gate(env.Ctx, "u1", "org1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if st.NextStep != flow.StepAccount {
		t.Fatalf("expected account step after unset, got %+v", st)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "org1", events.SnapshotUnset, "u1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].ActorID != "admin" || evts[0].Payload != `{"paths":["no.such.path","orgJoin","user.verified"]}` {
		t.Fatalf("unexpected events %+v", evts)
	}
	if _, err := env.Engine.UnsetFacts(env.Ctx, "u1", "org1", "", nil); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.UnsetFacts(env.Ctx, "u1", "org1", "", []string{""}); !errors.Is(err, snapshot.ErrEmptyPath) {
		t.Fatalf("expected empty path, got %v", err)
	}
}

func TestListSnapshots(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, org := range []string{"org2", "", "org1"} {
		if _, err := env.Engine.SetFacts(env.Ctx, "u1", org, "", map[string]any{"user.verified": true}); err != nil {
			t.Fatalf("set facts: %v", err)
		}
	}
	list, err := env.Engine.ListSnapshots(env.Ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].OrgID != "-" || list[1].OrgID != "org1" || list[2].OrgID != "org2" {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, err := env.Engine.ListSnapshots(env.Ctx, ""); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestInputErrorsAreMarked(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]error{}
	_, cases["no user"] = env.Engine.SetFacts(env.Ctx, "", "", "", map[string]any{"a": 1})
	_, cases["no fields"] = env.Engine.SetFacts(env.Ctx, "u1", "", "", nil)
	_, cases["bad segment"] = env.Engine.SetFacts(env.Ctx, "u1", "", "", map[string]any{"a..b": 1})
	_, cases["bad value"] = env.Engine.SetFacts(env.Ctx, "u1", "", "", map[string]any{"a": struct{}{}})
	_, cases["gate no user"] = env.Engine.Gate(env.Ctx, "", "")
	cases["delete no user"] = env.Engine.DeleteSnapshot(env.Ctx, "", "", "")
	for name, err := range cases {
		if !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
	if err := env.Engine.DeleteSnapshot(env.Ctx, "u1", "", ""); errors.Is(err, engine.ErrInvalidInput) || !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing snapshot is not an input error: %v", err)
	}
}
