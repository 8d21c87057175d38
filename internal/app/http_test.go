package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"worldloom/api/internal/auth"
	"worldloom/api/internal/store"
)

func newTestHTTPServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "http://localhost:5173", "http://localhost:5173/worlds", 0, 0)
}

func mintToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  uuidCaller,
		Name: "Caller",
		JTI:  "jti-test",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body io.Reader) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not a JSON object: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func editorWorldStore() *fakeStore {
	return &fakeStore{
		getWorld: func(ctx context.Context, worldID string) (store.World, error) {
			return store.World{ID: worldID, Name: "Aetheria"}, nil
		},
		getMemberRole: func(ctx context.Context, worldID, userID string) (string, error) {
			return "editor", nil
		},
	}
}

func TestOptionsRequestShortCircuits(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, _ := doRequest(t, handler, http.MethodOptions, "/api/worlds", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("CORS origin header = %q", got)
	}
}

func TestHealthRouteIsLivenessOnly(t *testing.T) {
	// Liveness must stay green even when backing services are down.
	svc := New(testConfig(), &fakeStore{}, &fakeSessions{pingErr: errors.New("redis down")}, nil, nil, nil, nil, nil)
	handler := NewHTTPServer(svc, "http://localhost:5173", "http://localhost:5173/worlds", 0, 0).Handler()

	rec, body := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v, want ok", body["status"])
	}
	if _, present := body["checks"]; present {
		t.Fatal("liveness payload must not include per-dependency checks")
	}
}

func TestDBHealthRouteAggregatesDependencies(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, body := doRequest(t, handler, http.MethodGet, "/api/health/db", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", body["status"])
	}
	if _, ok := body["checks"].(map[string]any); !ok {
		t.Fatalf("checks = %T, want per-dependency map", body["checks"])
	}
}

func TestDBHealthRoute503WhenBackendDown(t *testing.T) {
	svc := New(testConfig(), &fakeStore{}, &fakeSessions{pingErr: errors.New("redis down")}, nil, nil, nil, nil, nil)
	handler := NewHTTPServer(svc, "http://localhost:5173", "http://localhost:5173/worlds", 0, 0).Handler()

	rec, body := doRequest(t, handler, http.MethodGet, "/api/health/db", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Fatalf("status = %v, want unhealthy", body["status"])
	}
	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatalf("checks = %T", body["checks"])
	}
	sessions, ok := checks["sessions"].(map[string]any)
	if !ok || sessions["status"] != "error" {
		t.Fatalf("sessions check = %v, want status error", checks["sessions"])
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()

	rec, body := doRequest(t, handler, http.MethodGet, "/api/worlds", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v", body["code"])
	}

	rec, body = doRequest(t, handler, http.MethodGet, "/api/worlds", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("garbage token: code = %v", body["code"])
	}
}

func TestSessionEndpointReportsAnonymous(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, body := doRequest(t, handler, http.MethodGet, "/api/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["authenticated"] != false {
		t.Fatalf("authenticated = %v, want false", body["authenticated"])
	}
}

func TestListWorldsEnvelope(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, body := doRequest(t, handler, http.MethodGet, "/api/worlds", mintToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	worlds, ok := body["worlds"].([]any)
	if !ok {
		t.Fatalf("worlds = %T, want list", body["worlds"])
	}
	if len(worlds) != 0 {
		t.Fatalf("worlds = %v", worlds)
	}
}

func TestDeleteEntityNotFound(t *testing.T) {
	fs := editorWorldStore()
	fs.deleteEntity = func(ctx context.Context, worldID, entityID string) error {
		return sql.ErrNoRows
	}
	handler := newTestHTTPServer(fs).Handler()

	rec, body := doRequest(t, handler, http.MethodDelete,
		"/api/worlds/"+uuidWorld+"/entities/"+uuidMember, mintToken(t), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestAcceptInviteRejectedFlattensBody(t *testing.T) {
	fs := &fakeStore{
		acceptInvite: func(ctx context.Context, tokenHash, userID string) (store.InviteAcceptance, error) {
			return store.InviteAcceptance{Accepted: false}, nil
		},
	}
	handler := newTestHTTPServer(fs).Handler()

	rec, body := doRequest(t, handler, http.MethodPost, "/api/invites/accept", mintToken(t),
		strings.NewReader(`{"token":"inv_expired"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["ok"] != false || body["accepted"] != false {
		t.Fatalf("body = %v, want ok=false accepted=false at the top level", body)
	}
	if body["code"] != "INVITE_REJECTED" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestValidationErrorsCarryIssues(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, body := doRequest(t, handler, http.MethodPost, "/api/worlds", mintToken(t),
		strings.NewReader(`{"description":"a world with no name"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v", body["code"])
	}
	details, ok := body["details"].(map[string]any)
	if !ok {
		t.Fatalf("details = %T", body["details"])
	}
	if _, ok := details["issues"].([]any); !ok {
		t.Fatalf("issues = %T", details["issues"])
	}
}

func TestUploadRateLimited(t *testing.T) {
	server := NewHTTPServer(newTestService(editorWorldStore()),
		"http://localhost:5173", "http://localhost:5173/worlds", 1, 1)
	handler := server.Handler()
	token := mintToken(t)
	path := "/api/worlds/" + uuidWorld + "/maps/upload"

	// First upload passes the limiter; object storage is not configured so
	// it fails later with 503.
	rec := postPNG(t, handler, path, token)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("first upload: status = %d, want 503", rec.Code)
	}

	rec = postPNG(t, handler, path, token)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload: status = %d, want 429", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "RATE_LIMITED" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestUploadRejectsNonImageContent(t *testing.T) {
	handler := newTestHTTPServer(editorWorldStore()).Handler()
	path := "/api/worlds/" + uuidWorld + "/maps/upload"

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "map.txt")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("plain text"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Authorization", "Bearer "+mintToken(t))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestAdminReindexRequiresServiceToken(t *testing.T) {
	idx := &fakeSearch{}
	fs := &fakeStore{
		getWorld: func(ctx context.Context, worldID string) (store.World, error) {
			return store.World{ID: worldID}, nil
		},
	}
	cfg := testConfig()
	cfg.ServiceRoleToken = "svc-token"
	svc := New(cfg, fs, &fakeSessions{}, nil, idx, nil, nil, nil)
	handler := NewHTTPServer(svc, "http://localhost:5173", "http://localhost:5173/worlds", 0, 0).Handler()
	path := "/api/admin/worlds/" + uuidWorld + "/reindex"

	rec, _ := doRequest(t, handler, http.MethodPost, path, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	// A valid user session is not a service credential.
	rec, _ = doRequest(t, handler, http.MethodPost, path, mintToken(t), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("user token: status = %d, want 401", rec.Code)
	}
	if len(idx.reindexed) != 0 {
		t.Fatalf("reindex ran for an unauthorized caller: %v", idx.reindexed)
	}

	rec, body := doRequest(t, handler, http.MethodPost, path, "svc-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("service token: status = %d, want 200", rec.Code)
	}
	if body["ok"] != true || body["worldId"] != uuidWorld {
		t.Fatalf("body = %v", body)
	}
	if len(idx.reindexed) != 1 || idx.reindexed[0] != uuidWorld {
		t.Fatalf("reindexed = %v, want [%s]", idx.reindexed, uuidWorld)
	}
}

func TestAdminRoutesDisabledWithoutConfiguredToken(t *testing.T) {
	// testConfig leaves ServiceRoleToken empty; every admin call must 401.
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, _ := doRequest(t, handler, http.MethodPost, "/api/admin/worlds/"+uuidWorld+"/reindex", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()
	rec, body := doRequest(t, handler, http.MethodGet, "/api/nope", mintToken(t), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestRequestIDPropagates(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Fatalf("X-Request-ID = %q, want the caller's value echoed", got)
	}

	rec, _ = doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no generated request id on the response")
	}
}

func postPNG(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="map.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG fake bytes"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}
