package onboardgatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestGateRevalidatesWithETag(t *testing.T) {
	var hits, notModified int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/onboarding/gate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "ogk_test" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("X-Org-Id") != "org1" {
			t.Errorf("missing org header")
		}
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"abc"` {
			atomic.AddInt32(&notModified, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_ = json.NewEncoder(w).Encode(GateState{Complete: false, NextStep: "i9AndDocs", ETag: "abc", UpdatedAt: 42})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "ogk_test"
	c.OrgID = "org1"

	first, err := c.Gate(context.Background())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if first.NextStep != "i9AndDocs" || first.ETag != "abc" {
		t.Fatalf("unexpected state %+v", first)
	}
	second, err := c.Gate(context.Background())
	if err != nil {
		t.Fatalf("gate again: %v", err)
	}
	if second != first {
		t.Fatalf("expected remembered state, got %+v", second)
	}
	if hits != 2 || notModified != 1 {
		t.Fatalf("expected 2 hits with 1 revalidation, got %d/%d", hits, notModified)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing credentials"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Me(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", apiErr.StatusCode)
	}
}

func TestSetFactsSendsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Snapshot{UserID: "u1", OrgID: "-", Doc: map[string]any{"user": map[string]any{"verified": body.Fields["user.verified"]}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	snap, err := c.SetFacts(context.Background(), map[string]any{"user.verified": true})
	if err != nil {
		t.Fatalf("set facts: %v", err)
	}
	user, _ := snap.Doc["user"].(map[string]any)
	if user["verified"] != true {
		t.Fatalf("unexpected doc %+v", snap.Doc)
	}
}

func TestURLJoinsBasePath(t *testing.T) {
	c := New("http://example.test/")
	if got := c.url("/me"); got != "http://example.test/v1/me" {
		t.Fatalf("unexpected url %s", got)
	}
	c.BasePath = ""
	if got := c.url("me"); got != "http://example.test/me" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestRevokeAPIKeyEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if r.URL.EscapedPath() != "/v1/auth/api-keys/a%2Fb" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL).RevokeAPIKey(context.Background(), "a/b"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
}
