package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// httpEnv serves the full API over httptest. Tokens are validated against
// the real clock, so the service clock is real time here.
func httpEnv(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	env.svc.now = time.Now
	server := httptest.NewServer(NewHTTPServer(env.svc, "*").Handler())
	t.Cleanup(server.Close)
	return env, server
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func login(t *testing.T, server *httptest.Server, name string) (string, string) {
	t.Helper()
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]any{"name": name})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d: %v", resp.StatusCode, payload)
	}
	return payload["token"].(string), payload["userId"].(string)
}

func TestHTTPHealth(t *testing.T) {
	_, server := httpEnv(t)
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", resp.StatusCode, payload)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready = %d %v", resp.StatusCode, payload)
	}
}

func TestHTTPRequiresBearer(t *testing.T) {
	_, server := httpEnv(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/sessions", "", map[string]any{"name": "Doc", "documentId": "doc-1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("payload = %v", payload)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/sessions", "not-a-token", map[string]any{"name": "Doc", "documentId": "doc-1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestHTTPSessionLifecycle(t *testing.T) {
	_, server := httpEnv(t)
	ownerToken, _ := login(t, server, "Avery")

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/sessions", ownerToken, map[string]any{
		"name":       "Doc session",
		"documentId": "doc-http",
		"settings":   map[string]any{"isPublic": true, "maxParticipants": 3},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, created)
	}
	sessionID := created["id"].(string)

	resp, joined := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/join", ownerToken, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d: %v", resp.StatusCode, joined)
	}
	if joined["status"] != "active" {
		t.Fatalf("status = %v, want active", joined["status"])
	}

	guestToken, _ := login(t, server, "Blair")
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/join", guestToken, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("guest join status = %d", resp.StatusCode)
	}

	resp, applied := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/operations", guestToken, map[string]any{"line": 1, "column": 2})
	if resp.StatusCode != http.StatusOK || applied["applied"] != true {
		t.Fatalf("operation = %d %v", resp.StatusCode, applied)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/presence", guestToken, map[string]any{"line": 4, "column": 1, "isTyping": true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("presence status = %d, want 202", resp.StatusCode)
	}
	resp, listed := doJSON(t, http.MethodGet, server.URL+"/api/sessions/"+sessionID+"/presence", ownerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presence list status = %d", resp.StatusCode)
	}
	if participants, _ := listed["participants"].([]any); len(participants) == 0 {
		t.Fatalf("presence list empty: %v", listed)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/end", ownerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/join", guestToken, map[string]any{})
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("join after end = %d %v, want 410", resp.StatusCode, payload)
	}
}

func TestHTTPShareFlow(t *testing.T) {
	_, server := httpEnv(t)
	ownerToken, _ := login(t, server, "Avery")

	_, created := doJSON(t, http.MethodPost, server.URL+"/api/sessions", ownerToken, map[string]any{
		"name":       "Doc session",
		"documentId": "doc-share",
	})
	sessionID := created["id"].(string)

	resp, link := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/share", ownerToken, map[string]any{"role": "viewer"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share status = %d: %v", resp.StatusCode, link)
	}
	raw := link["token"].(string)

	// Validation is public.
	resp, preview := doJSON(t, http.MethodPost, server.URL+"/api/share/validate", "", map[string]any{"token": raw})
	if resp.StatusCode != http.StatusOK || preview["sessionId"] != sessionID {
		t.Fatalf("validate = %d %v", resp.StatusCode, preview)
	}

	guestToken, _ := login(t, server, "Blair")
	resp, joined := doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/join", guestToken, map[string]any{"shareToken": raw})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join via link = %d %v", resp.StatusCode, joined)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/share/revoke", ownerToken, map[string]any{"token": raw})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp, failure := doJSON(t, http.MethodPost, server.URL+"/api/share/validate", "", map[string]any{"token": raw})
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("validate after revoke = %d %v, want 410", resp.StatusCode, failure)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	_, server := httpEnv(t)
	token, _ := login(t, server, "Avery")

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/sessions/nope", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if payload["code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("code = %v, want SESSION_NOT_FOUND", payload["code"])
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/sessions", token, map[string]any{"documentId": "doc-x"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %v", resp.StatusCode, payload)
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/nope", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPDocumentHistory(t *testing.T) {
	_, server := httpEnv(t)
	token, _ := login(t, server, "Avery")

	_, created := doJSON(t, http.MethodPost, server.URL+"/api/sessions", token, map[string]any{
		"name":       "Doc session",
		"documentId": "doc-hist",
	})
	sessionID := created["id"].(string)
	doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/join", token, map[string]any{})
	doJSON(t, http.MethodPost, server.URL+"/api/sessions/"+sessionID+"/end", token, nil)

	resp, payload := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/documents/doc-hist/history?limit=5", server.URL), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d: %v", resp.StatusCode, payload)
	}
	items, _ := payload["history"].([]any)
	if len(items) < 2 {
		t.Fatalf("history entries = %d, want archive init plus end snapshot", len(items))
	}
}
