package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"onboardgate/internal/config"
	"onboardgate/internal/db"
	"onboardgate/internal/engine"
	"onboardgate/internal/migrate"
)

type hookRecorder struct {
	mu     sync.Mutex
	status int
	got    []recordedDelivery
}

type recordedDelivery struct {
	event     string
	signature string
	body      webhookEvent
	raw       []byte
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(raw, &evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	h.got = append(h.got, recordedDelivery{
		event:     r.Header.Get("X-Onboardgate-Event"),
		signature: r.Header.Get("X-Onboardgate-Signature"),
		body:      evt,
		raw:       raw,
	})
}

func (h *hookRecorder) deliveries() []recordedDelivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedDelivery(nil), h.got...)
}

func (h *hookRecorder) setStatus(code int) {
	h.mu.Lock()
	h.status = code
	h.mu.Unlock()
}

func newWebhookEngine(t *testing.T, hooks []config.WebhookConfig) (engine.Engine, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Webhooks = hooks
	return engine.New(conn, cfg), func() { conn.Close() }
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	rec := &hookRecorder{}
	hookSrv := httptest.NewServer(rec)
	defer hookSrv.Close()

	e, cleanup := newWebhookEngine(t, []config.WebhookConfig{{
		URL:    hookSrv.URL,
		Events: []string{"snapshot.set"},
		Secret: "s3cret",
	}})
	defer cleanup()
	ctx := context.Background()

	// Events written before the dispatcher first runs are not replayed.
	if _, err := e.SetFacts(ctx, "u0", "", "u0", map[string]any{"user.verified": true}); err != nil {
		t.Fatalf("seed facts: %v", err)
	}
	d := newWebhookDispatcher(e, nil)
	d.dispatchAll(ctx)
	if n := len(rec.deliveries()); n != 0 {
		t.Fatalf("expected no replay, got %d deliveries", n)
	}

	if _, err := e.SetFacts(ctx, "u1", "org1", "u1", map[string]any{"user.verified": true}); err != nil {
		t.Fatalf("set facts: %v", err)
	}
	if _, _, err := e.CreateAPIKey(ctx, "u1", "org1", "ci"); err != nil {
		t.Fatalf("create key: %v", err)
	}
	d.dispatchAll(ctx)

	got := rec.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].event != "snapshot.set" || got[0].body.EntityID != "u1" || got[0].body.OrgID != "org1" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if got[0].signature != "sha256="+signPayload("s3cret", got[0].raw) {
		t.Fatalf("bad signature %q", got[0].signature)
	}
	var payload map[string]any
	if err := json.Unmarshal(got[0].body.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if _, ok := payload["paths"]; !ok {
		t.Fatalf("expected paths in payload, got %v", payload)
	}

	d.dispatchAll(ctx)
	if n := len(rec.deliveries()); n != 1 {
		t.Fatalf("expected no redelivery, got %d", n)
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	rec := &hookRecorder{}
	hookSrv := httptest.NewServer(rec)
	defer hookSrv.Close()

	e, cleanup := newWebhookEngine(t, []config.WebhookConfig{{URL: hookSrv.URL}})
	defer cleanup()
	ctx := context.Background()

	d := newWebhookDispatcher(e, nil)
	d.dispatchAll(ctx)

	rec.setStatus(http.StatusBadGateway)
	if _, err := e.SetFacts(ctx, "u1", "", "u1", map[string]any{"user.verified": true}); err != nil {
		t.Fatalf("set facts: %v", err)
	}
	d.dispatchAll(ctx)
	if n := len(rec.deliveries()); n != 0 {
		t.Fatalf("expected failed delivery, got %d", n)
	}

	rec.setStatus(0)
	d.dispatchAll(ctx)
	got := rec.deliveries()
	if len(got) != 1 || got[0].event != "snapshot.set" {
		t.Fatalf("expected retried delivery, got %+v", got)
	}
	if got[0].signature != "" {
		t.Fatalf("expected unsigned delivery, got %q", got[0].signature)
	}
}

func TestWebhookDispatcherDisabled(t *testing.T) {
	e, cleanup := newWebhookEngine(t, nil)
	defer cleanup()
	if d := newWebhookDispatcher(e, nil); d != nil {
		t.Fatalf("expected no dispatcher without webhooks")
	}
	off := false
	filter := newEventFilter([]string{" ", ""})
	if !filter.match("anything") {
		t.Fatalf("blank filter should match all")
	}
	if (config.WebhookConfig{URL: "http://x", Enabled: &off}).Active() {
		t.Fatalf("disabled hook reported active")
	}
}
