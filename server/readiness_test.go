package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/subculture-collective/repubengine/testutil"
)

func TestReadyzReady(t *testing.T) {
	db := testutil.SetupTestDB(t)

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO sessions (target, cookie_jar, username, expires_at)
		VALUES ('source', 'jar', 'uploader', NOW() + INTERVAL '1 hour')
		ON CONFLICT (target) DO UPDATE SET expires_at = EXCLUDED.expires_at`)
	if err != nil {
		t.Fatalf("insert mock session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()

	h := NewMux(Deps{DB: db})
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ready" {
		t.Fatalf("expected status=ready, got %q", resp["status"])
	}
}

func TestReadyzNotReadyCircuitOpen(t *testing.T) {
	db := testutil.SetupTestDB(t)

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO sessions (target, cookie_jar, username, expires_at)
		VALUES ('source', 'jar', 'uploader', NOW() + INTERVAL '1 hour')
		ON CONFLICT (target) DO UPDATE SET expires_at = EXCLUDED.expires_at`)
	if err != nil {
		t.Fatalf("insert mock session: %v", err)
	}

	_, err = db.ExecContext(context.Background(), `
		INSERT INTO kv (key, value, updated_at)
		VALUES ('circuit_state', 'open', NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`)
	if err != nil {
		t.Fatalf("set circuit state: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()

	h := NewMux(Deps{DB: db})
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type=application/json, got %q", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "not_ready" {
		t.Fatalf("expected status=not_ready, got %q", resp["status"])
	}
	if resp["failed_check"] != "circuit_breaker" {
		t.Fatalf("expected failed_check=circuit_breaker, got %q", resp["failed_check"])
	}
}

func TestReadyzNotReadyMissingCredentials(t *testing.T) {
	db := testutil.SetupTestDB(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()

	h := NewMux(Deps{DB: db})
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type=application/json, got %q", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "not_ready" {
		t.Fatalf("expected status=not_ready, got %q", resp["status"])
	}
	if resp["failed_check"] != "credentials" {
		t.Fatalf("expected failed_check=credentials, got %q", resp["failed_check"])
	}
}
