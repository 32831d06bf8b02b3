package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"trackline/api/internal/auth"
	"trackline/api/internal/authpw"
)

// maxUploadBytes caps attachment uploads at 10 MiB.
const maxUploadBytes = 10 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"email":         session.Email,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	// The aggregation trigger is a scheduled job, not a user-facing call, so
	// it is gated by a shared cron token (when configured) instead of a
	// session.
	if r.Method == http.MethodPost && r.URL.Path == "/api/aggregate-daily-stats" {
		if token := s.service.CronToken(); token != "" {
			presented := strings.TrimSpace(r.Header.Get("x-trackline-cron-token"))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeFailure(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		result, err := s.service.RunDailyAggregation(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"date":          result.Date,
			"updated_stats": result.UpdatedStats,
		})
		return
	}

	// Everything below requires an authenticated identity.
	session, err := s.service.SessionFromToken(r.Context(), bearerToken(r))
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if r.Method == http.MethodPost {
		switch r.URL.Path {
		case "/api/create-issue":
			s.handleCreateIssue(w, r, session)
			return
		case "/api/update-issue":
			s.handleUpdateIssue(w, r, session)
			return
		case "/api/list-issues":
			s.handleListIssues(w, r, session)
			return
		case "/api/get-issue":
			s.handleGetIssue(w, r, session)
			return
		case "/api/add-comment":
			s.handleAddComment(w, r, session)
			return
		case "/api/get-comments":
			s.handleGetComments(w, r, session)
			return
		case "/api/get-user-role":
			s.handleGetUserRole(w, r, session)
			return
		case "/api/get-dashboard-stats":
			s.handleGetDashboardStats(w, r, session)
			return
		case "/api/upload-file":
			s.handleUploadFile(w, r, session)
			return
		}
	}

	writeFailure(w, http.StatusNotFound, "Not found")
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleCreateIssue(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateIssueInput
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	issue, err := s.service.CreateIssue(r.Context(), session, body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "issue": issue})
}

func (s *HTTPServer) handleUpdateIssue(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		IssueID int64 `json:"issueId"`
		UpdateIssueInput
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	issue, err := s.service.UpdateIssue(r.Context(), session, body.IssueID, body.UpdateIssueInput)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "issue": issue})
}

func (s *HTTPServer) handleListIssues(w http.ResponseWriter, r *http.Request, session Session) {
	var body ListIssuesInput
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	page, err := s.service.ListIssues(r.Context(), session, body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issues":     page.Issues,
		"pagination": page.Pagination,
		"userRole":   page.Role,
	})
}

func (s *HTTPServer) handleGetIssue(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		IssueID int64 `json:"issueId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	issue, role, err := s.service.GetIssue(r.Context(), session, body.IssueID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issue": issue, "userRole": role})
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		IssueID int64  `json:"issueId"`
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	comment, err := s.service.AddComment(r.Context(), session, body.IssueID, body.Comment)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "comment": comment})
}

func (s *HTTPServer) handleGetComments(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		IssueID int64 `json:"issueId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	comments, role, err := s.service.ListComments(r.Context(), session, body.IssueID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments, "userRole": role})
}

func (s *HTTPServer) handleGetUserRole(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	role, err := s.service.GetOrCreateRole(r.Context(), session, body.UserID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role})
}

func (s *HTTPServer) handleGetDashboardStats(w http.ResponseWriter, r *http.Request, session Session) {
	stats, err := s.service.DashboardStats(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *HTTPServer) handleUploadFile(w http.ResponseWriter, r *http.Request, session Session) {
	blobs := s.service.BlobStore()
	if blobs == nil {
		writeFailure(w, http.StatusServiceUnavailable, "File uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeFailure(w, http.StatusBadRequest, "File too large or malformed upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "A file field is required")
		return
	}
	defer file.Close()

	url, err := blobs.Upload(r.Context(), header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		log.Printf("upload file for %s: %v", session.UserID, err)
		writeFailure(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": url, "name": header.Filename})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"email":        session.Email,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeFailure writes the uniform error shape. Callers are expected to act on
// the body, not the status code.
func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, message := mapError(err)
	writeFailure(w, status, message)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "Not found"
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "Unauthorized"
	}
	return http.StatusInternalServerError, "Server error"
}
