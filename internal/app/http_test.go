package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"margin/api/internal/auth"
	"margin/api/internal/rbac"
	"margin/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(fs, &fakeHub{})
	srv := httptest.NewServer(NewHTTPServer(svc, nil, "*").Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func issueTestToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: userID, Name: "Tester", JTI: "jti-http", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{})

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestThreadsRequireSession(t *testing.T) {
	srv, _ := newTestServer(t, &fakeStore{})

	resp, err := http.Get(srv.URL + "/api/repos/acme/widgets/threads")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateThreadOverHTTP(t *testing.T) {
	var inserted *store.Thread
	fs := &fakeStore{
		roleForFn: grantsOf(map[string]rbac.Role{"user-1|acme/widgets": rbac.RoleWrite}),
		insertThreadFn: func(_ context.Context, thread store.Thread) (store.Thread, error) {
			inserted = &thread
			thread.CreatedAt = time.Now()
			thread.UpdatedAt = thread.CreatedAt
			return thread, nil
		},
	}
	srv, _ := newTestServer(t, fs)

	payload, _ := json.Marshal(map[string]any{
		"branch":     "feature-x",
		"anchorKind": "code",
		"anchorFile": "cmd/main.go",
		"anchorLine": 42,
		"body":       "this loop never terminates",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/repos/acme/widgets/threads", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user-1"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if inserted == nil {
		t.Fatal("thread was not persisted")
	}
	if inserted.Repo != "acme/widgets" || inserted.Branch != "feature-x" || inserted.AnchorLine != 42 {
		t.Fatalf("unexpected persisted thread: %+v", inserted)
	}
}

func TestCreateThreadForbiddenForReader(t *testing.T) {
	fs := &fakeStore{
		roleForFn: grantsOf(map[string]rbac.Role{"user-1|acme/widgets": rbac.RoleRead}),
	}
	srv, _ := newTestServer(t, fs)

	payload, _ := json.Marshal(map[string]any{
		"anchorKind": "code", "anchorFile": "a.go", "body": "x",
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/repos/acme/widgets/threads", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user-1"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "FORBIDDEN" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestDeleteThreadOverHTTP(t *testing.T) {
	var deletedID string
	fs := &fakeStore{
		roleForFn: grantsOf(map[string]rbac.Role{"admin-1|acme/widgets": rbac.RoleAdmin}),
		deleteThreadFn: func(_ context.Context, _, threadID string) (bool, error) {
			deletedID = threadID
			return true, nil
		},
	}
	srv, _ := newTestServer(t, fs)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/repos/acme/widgets/threads/thr-9", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "admin-1"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if deletedID != "thr-9" {
		t.Fatalf("store delete got %q", deletedID)
	}
}

func TestGrantsEndpointRequiresAdmin(t *testing.T) {
	fs := &fakeStore{
		roleForFn: grantsOf(map[string]rbac.Role{"user-1|acme/widgets": rbac.RoleWrite}),
	}
	srv, _ := newTestServer(t, fs)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/repos/acme/widgets/grants", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user-1"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	fs := &fakeStore{
		roleForFn: grantsOf(map[string]rbac.Role{"user-1|acme/widgets": rbac.RoleAdmin}),
	}
	srv, _ := newTestServer(t, fs)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/repos/acme/widgets/unknown", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "user-1"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
