package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trackline/api/internal/auth"
	"trackline/api/internal/store"
)

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "*")
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:   userID,
		Name:  "Test User",
		Email: "test@example.com",
		JTI:   "jti-test",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func postJSON(t *testing.T, handler http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return parsed
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	handler := newTestServer(&fakeStore{}).Handler()
	paths := []string{
		"/api/create-issue",
		"/api/update-issue",
		"/api/list-issues",
		"/api/get-issue",
		"/api/add-comment",
		"/api/get-comments",
		"/api/get-user-role",
		"/api/get-dashboard-stats",
		"/api/upload-file",
	}

	for _, path := range paths {
		t.Run(strings.TrimPrefix(path, "/api/"), func(t *testing.T) {
			rec := postJSON(t, handler, path, "", map[string]any{})
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := decodeResponse(t, rec)["error"]; got != "Unauthorized" {
				t.Fatalf("error = %v, want Unauthorized", got)
			}
		})
	}
}

func TestProtectedRoutesRejectGarbageToken(t *testing.T) {
	handler := newTestServer(&fakeStore{}).Handler()
	rec := postJSON(t, handler, "/api/list-issues", "garbage", map[string]any{"userId": "u_1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "Unauthorized" {
		t.Fatalf("error = %v, want Unauthorized", got)
	}
}

func TestCreateIssueResponseShape(t *testing.T) {
	handler := newTestServer(roleStore("REPORTER")).Handler()
	rec := postJSON(t, handler, "/api/create-issue", testToken(t, "u_1"), map[string]any{
		"title":       "Search index drifts",
		"description": "Results lag writes by hours",
		"severity":    "MEDIUM",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if body["success"] != true {
		t.Fatalf("expected success true, got %v", body)
	}
	issue, ok := body["issue"].(map[string]any)
	if !ok {
		t.Fatalf("expected issue object, got %v", body)
	}
	if issue["status"] != "OPEN" {
		t.Fatalf("new issue status = %v, want OPEN", issue["status"])
	}
	if _, present := body["error"]; present {
		t.Fatal("success responses must not carry an error field")
	}
}

func TestCreateIssueValidationOverWire(t *testing.T) {
	handler := newTestServer(roleStore("REPORTER")).Handler()
	rec := postJSON(t, handler, "/api/create-issue", testToken(t, "u_1"), map[string]any{
		"title":       "Something broke",
		"description": "details",
		"severity":    "URGENT",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	body := decodeResponse(t, rec)
	if body["error"] != "Valid severity level is required (LOW, MEDIUM, HIGH, CRITICAL)" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestReporterCannotUpdateIssueOverWire(t *testing.T) {
	handler := newTestServer(roleStore("REPORTER")).Handler()
	rec := postJSON(t, handler, "/api/update-issue", testToken(t, "u_1"), map[string]any{
		"issueId": 1,
		"status":  "DONE",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeResponse(t, rec)
	if body["error"] != "Access denied. Only MAINTAINER and ADMIN roles can update issues" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestListIssuesResponseShape(t *testing.T) {
	fs := roleStore("ADMIN")
	fs.listIssuesFn = func(context.Context, store.IssueFilter, int, int) ([]store.Issue, int, error) {
		return []store.Issue{{ID: 1, Title: "One", Status: "OPEN", Severity: "LOW"}}, 1, nil
	}
	handler := newTestServer(fs).Handler()

	rec := postJSON(t, handler, "/api/list-issues", testToken(t, "u_1"), map[string]any{"userId": "u_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if body["userRole"] != "ADMIN" {
		t.Fatalf("userRole = %v, want ADMIN", body["userRole"])
	}
	pagination, ok := body["pagination"].(map[string]any)
	if !ok {
		t.Fatalf("expected pagination object, got %v", body)
	}
	for _, key := range []string{"page", "limit", "total", "totalPages", "hasNext", "hasPrev"} {
		if _, present := pagination[key]; !present {
			t.Fatalf("pagination missing %q: %v", key, pagination)
		}
	}
	if pagination["total"] != float64(1) || pagination["hasNext"] != false {
		t.Fatalf("unexpected pagination: %v", pagination)
	}
}

func TestGetUserRoleResolvesOwnIdentityOnly(t *testing.T) {
	handler := newTestServer(roleStore("ADMIN")).Handler()
	token := testToken(t, "u_first")

	rec := postJSON(t, handler, "/api/get-user-role", token, map[string]any{"userId": "u_first"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeResponse(t, rec)["role"]; got != "ADMIN" {
		t.Fatalf("role = %v, want ADMIN", got)
	}

	rec = postJSON(t, handler, "/api/get-user-role", token, map[string]any{"userId": "u_other"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAddCommentWhitespaceRejectedOverWire(t *testing.T) {
	handler := newTestServer(roleStore("REPORTER")).Handler()
	rec := postJSON(t, handler, "/api/add-comment", testToken(t, "u_1"), map[string]any{
		"issueId": 3,
		"comment": "   ",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "Comment cannot be empty" {
		t.Fatalf("error = %v", got)
	}
}

func TestGetIssueOutsideScopeOverWire(t *testing.T) {
	fs := roleStore("REPORTER")
	fs.getIssueFn = func(_ context.Context, _ int64, restrictTo string) (store.Issue, error) {
		return store.Issue{}, sql.ErrNoRows
	}
	handler := newTestServer(fs).Handler()

	rec := postJSON(t, handler, "/api/get-issue", testToken(t, "u_1"), map[string]any{"issueId": 12})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "Issue not found or access denied" {
		t.Fatalf("error = %v", got)
	}
}

func TestDashboardStatsOverWire(t *testing.T) {
	fs := roleStore("MAINTAINER")
	fs.openSeverityFn = func(context.Context) (map[string]int, error) {
		return map[string]int{"CRITICAL": 4}, nil
	}
	handler := newTestServer(fs).Handler()

	rec := postJSON(t, handler, "/api/get-dashboard-stats", testToken(t, "u_1"), map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	stats, ok := decodeResponse(t, rec)["stats"].(map[string]any)
	if !ok {
		t.Fatal("expected stats object")
	}
	if stats["CRITICAL"] != float64(4) || stats["LOW"] != float64(0) {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestAggregationRequiresCronTokenWhenConfigured(t *testing.T) {
	fs := &fakeStore{
		statusCountsFn: func(context.Context) ([]store.StatusCount, error) {
			return []store.StatusCount{{Status: "OPEN", Count: 2}}, nil
		},
	}
	svc := newTestService(fs)
	svc.cfg.CronToken = "cron-secret"
	handler := NewHTTPServer(svc, "*").Handler()

	rec := postJSON(t, handler, "/api/aggregate-daily-stats", "", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without cron token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/aggregate-daily-stats", strings.NewReader("{}"))
	req.Header.Set("x-trackline-cron-token", "cron-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with cron token = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if body["success"] != true || body["date"] == "" {
		t.Fatalf("unexpected aggregation body: %v", body)
	}
}

func TestSignUpAndUseSession(t *testing.T) {
	users := map[string]store.User{}
	fs := roleStore("ADMIN")
	fs.createUserFn = func(_ context.Context, user store.User) error {
		users[user.Email] = user
		return nil
	}
	fs.getUserByEmailFn = func(_ context.Context, email string) (store.User, error) {
		if user, ok := users[email]; ok {
			return user, nil
		}
		return store.User{}, sql.ErrNoRows
	}
	handler := newTestServer(fs).Handler()

	rec := postJSON(t, handler, "/api/auth/signup", "", map[string]any{
		"email":    "First@Example.com",
		"password": "correct-horse",
		"name":     "First User",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	token, _ := body["accessToken"].(string)
	if token == "" {
		t.Fatalf("expected access token, got %v", body)
	}
	if body["role"] != "ADMIN" {
		t.Fatalf("role = %v, want ADMIN", body["role"])
	}

	rec = postJSON(t, handler, "/api/get-dashboard-stats", token, map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated call status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignUpStorageErrorBodyIsGeneric(t *testing.T) {
	fs := roleStore("ADMIN")
	fs.createUserFn = func(context.Context, store.User) error {
		return errors.New(`pq: duplicate key value violates unique constraint "users_email_key"`)
	}
	handler := newTestServer(fs).Handler()

	rec := postJSON(t, handler, "/api/auth/signup", "", map[string]any{
		"email":    "grace@example.com",
		"password": "longenough",
		"name":     "Grace",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	msg, _ := decodeResponse(t, rec)["error"].(string)
	if msg != "Failed to create account" {
		t.Fatalf("error = %q, want the generic message", msg)
	}
	if strings.Contains(msg, "pq:") || strings.Contains(msg, "constraint") {
		t.Fatalf("internal error text leaked over the wire: %s", msg)
	}
}

func TestSignUpValidationErrorBodyOverWire(t *testing.T) {
	handler := newTestServer(roleStore("ADMIN")).Handler()

	rec := postJSON(t, handler, "/api/auth/signup", "", map[string]any{
		"email":    "hank@example.com",
		"password": "short",
		"name":     "Hank",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "Password must be at least 8 characters" {
		t.Fatalf("error = %v", got)
	}
}

func TestMalformedJSONBodyRejected(t *testing.T) {
	handler := newTestServer(roleStore("ADMIN")).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/create-issue", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testToken(t, "u_1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "Invalid JSON body" {
		t.Fatalf("error = %v", got)
	}
}

func TestUnknownRouteReturnsErrorShape(t *testing.T) {
	handler := newTestServer(roleStore("ADMIN")).Handler()
	rec := postJSON(t, handler, "/api/no-such-thing", testToken(t, "u_1"), map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decodeResponse(t, rec)["error"]; got != "Not found" {
		t.Fatalf("error = %v", got)
	}
}
