package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"trackline/api/internal/auth"
	"trackline/api/internal/authpw"
	"trackline/api/internal/blob"
	"trackline/api/internal/config"
	"trackline/api/internal/rbac"
	"trackline/api/internal/store"
	"trackline/api/internal/util"
)

// Session is the authenticated caller as resolved from an access token. Role
// is re-read from the role store on every request so policy decisions always
// see the current role, not the one baked into the token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

type CreateIssueInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	FileURL     string `json:"fileUrl"`
	FileName    string `json:"fileName"`
}

// UpdateIssueInput distinguishes three assignee states: field absent (leave
// alone), JSON null (clear), and a user id (reassign). json.RawMessage keeps
// the absent/null distinction that a plain *string would lose.
type UpdateIssueInput struct {
	Status     *string         `json:"status"`
	Severity   *string         `json:"severity"`
	AssignedTo json.RawMessage `json:"assignedTo"`
}

type ListIssuesInput struct {
	UserID   string `json:"userId"`
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
	Search   string `json:"search"`
}

type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

type IssuePage struct {
	Issues     []store.Issue
	Pagination Pagination
	Role       rbac.Role
}

type AggregationResult struct {
	Date         string
	UpdatedStats []store.StatusCount
}

type dataStore interface {
	GetOrCreateRole(ctx context.Context, userID string) (string, error)
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UserExists(ctx context.Context, userID string) (bool, error)
	InsertIssue(ctx context.Context, item store.NewIssue) (store.Issue, error)
	GetIssue(ctx context.Context, issueID int64, restrictTo string) (store.Issue, error)
	IssueVisible(ctx context.Context, issueID int64, restrictTo string) (bool, error)
	ListIssues(ctx context.Context, filter store.IssueFilter, limit, offset int) ([]store.Issue, int, error)
	UpdateIssue(ctx context.Context, issueID int64, update store.IssueUpdate) (store.Issue, error)
	InsertComment(ctx context.Context, issueID int64, userID, text string) (store.Comment, error)
	ListComments(ctx context.Context, issueID int64) ([]store.Comment, error)
	OpenSeverityCounts(ctx context.Context) (map[string]int, error)
	StatusCounts(ctx context.Context) ([]store.StatusCount, error)
	UpsertDailyStats(ctx context.Context, date string, counts []store.StatusCount) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	passwords *authpw.Service
	blobs     *blob.Store
}

// New builds a Service whose refresh tokens live in Postgres alongside
// everything else.
func New(cfg config.Config, dataStore dataStore, sessions refreshStore, passwords *authpw.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
	}
}

// SetBlobStore wires the optional attachment store; uploads stay disabled
// when it is never called.
func (s *Service) SetBlobStore(blobs *blob.Store) {
	s.blobs = blobs
}

func (s *Service) BlobStore() *blob.Store {
	return s.blobs
}

func (s *Service) Passwords() *authpw.Service {
	return s.passwords
}

func (s *Service) CronToken() string {
	return s.cfg.CronToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

var validSeverities = map[string]struct{}{
	"LOW":      {},
	"MEDIUM":   {},
	"HIGH":     {},
	"CRITICAL": {},
}

var validStatuses = map[string]struct{}{
	"OPEN":        {},
	"TRIAGED":     {},
	"IN_PROGRESS": {},
	"DONE":        {},
}

// roleFor resolves the caller's role through the role store, provisioning one
// on first sight per the bootstrap rule.
func (s *Service) roleFor(ctx context.Context, sess Session) (rbac.Role, error) {
	role, err := s.store.GetOrCreateRole(ctx, sess.UserID)
	if err != nil {
		log.Printf("role lookup for %s: %v", sess.UserID, err)
		return "", storageError("get user role")
	}
	return rbac.Normalize(role), nil
}

// GetOrCreateRole backs the get-user-role operation. Roles are only ever
// resolved for the authenticated identity; lookups are what provision roles,
// so resolving someone else's id would silently create rows for them.
func (s *Service) GetOrCreateRole(ctx context.Context, sess Session, userID string) (rbac.Role, error) {
	if strings.TrimSpace(userID) == "" {
		return "", validationError("User ID is required")
	}
	if userID != sess.UserID {
		return "", errForbidden("Cannot resolve another user's role")
	}
	return s.roleFor(ctx, sess)
}

func (s *Service) CreateIssue(ctx context.Context, sess Session, in CreateIssueInput) (store.Issue, error) {
	title := strings.TrimSpace(in.Title)
	description := strings.TrimSpace(in.Description)
	if title == "" || description == "" {
		return store.Issue{}, validationError("Title and description are required")
	}
	if utf8.RuneCountInString(title) < 3 {
		return store.Issue{}, validationError("Title must be at least 3 characters")
	}
	if _, ok := validSeverities[in.Severity]; !ok {
		return store.Issue{}, validationError("Valid severity level is required (LOW, MEDIUM, HIGH, CRITICAL)")
	}

	fileURL := strings.TrimSpace(in.FileURL)
	fileName := strings.TrimSpace(in.FileName)
	if (fileURL == "") != (fileName == "") {
		return store.Issue{}, validationError("File URL and file name must be provided together")
	}

	// Creating an issue is open to any authenticated identity, but the role
	// row must exist before ownership scoping can work on later reads.
	if _, err := s.roleFor(ctx, sess); err != nil {
		return store.Issue{}, err
	}

	item := store.NewIssue{
		Title:       title,
		Description: description,
		Severity:    in.Severity,
		CreatedBy:   sess.UserID,
	}
	if fileURL != "" {
		item.FileURL = &fileURL
		item.FileName = &fileName
	}

	created, err := s.store.InsertIssue(ctx, item)
	if err != nil {
		log.Printf("create issue by %s: %v", sess.UserID, err)
		return store.Issue{}, storageError("create issue")
	}
	return created, nil
}

func (s *Service) UpdateIssue(ctx context.Context, sess Session, issueID int64, in UpdateIssueInput) (store.Issue, error) {
	if issueID <= 0 {
		return store.Issue{}, validationError("Issue ID is required")
	}

	role, err := s.roleFor(ctx, sess)
	if err != nil {
		return store.Issue{}, err
	}
	if !rbac.Can(role, rbac.ActionUpdate) {
		return store.Issue{}, errForbidden("Access denied. Only MAINTAINER and ADMIN roles can update issues")
	}

	var update store.IssueUpdate
	if in.Status != nil {
		if _, ok := validStatuses[*in.Status]; !ok {
			return store.Issue{}, validationError("Invalid status. Must be OPEN, TRIAGED, IN_PROGRESS, or DONE")
		}
		update.Status = in.Status
	}
	if in.Severity != nil {
		if _, ok := validSeverities[*in.Severity]; !ok {
			return store.Issue{}, validationError("Invalid severity. Must be LOW, MEDIUM, HIGH, or CRITICAL")
		}
		update.Severity = in.Severity
	}
	if len(in.AssignedTo) > 0 {
		if string(in.AssignedTo) == "null" {
			update.ClearAssignee = true
		} else {
			var assignee string
			if err := json.Unmarshal(in.AssignedTo, &assignee); err != nil || strings.TrimSpace(assignee) == "" {
				return store.Issue{}, validationError("Invalid assignee")
			}
			exists, err := s.store.UserExists(ctx, assignee)
			if err != nil {
				log.Printf("assignee lookup %s: %v", assignee, err)
				return store.Issue{}, storageError("update issue")
			}
			if !exists {
				return store.Issue{}, validationError("Assigned user not found")
			}
			update.AssignedTo = &assignee
		}
	}
	if update.Empty() {
		return store.Issue{}, validationError("No valid fields to update")
	}

	updated, err := s.store.UpdateIssue(ctx, issueID, update)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Issue{}, notFound("Issue not found")
	}
	if err != nil {
		log.Printf("update issue %d by %s: %v", issueID, sess.UserID, err)
		return store.Issue{}, storageError("update issue")
	}
	return updated, nil
}

func (s *Service) ListIssues(ctx context.Context, sess Session, in ListIssuesInput) (IssuePage, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return IssuePage{}, validationError("User ID is required")
	}

	page := in.Page
	if page == 0 {
		page = 1
	}
	limit := in.Limit
	if limit == 0 {
		limit = 20
	}
	if page < 1 || limit < 1 {
		return IssuePage{}, validationError("Page and limit must be positive")
	}
	if in.Status != "" {
		if _, ok := validStatuses[in.Status]; !ok {
			return IssuePage{}, validationError("Invalid status filter")
		}
	}
	if in.Severity != "" {
		if _, ok := validSeverities[in.Severity]; !ok {
			return IssuePage{}, validationError("Invalid severity filter")
		}
	}

	role, err := s.roleFor(ctx, sess)
	if err != nil {
		return IssuePage{}, err
	}

	filter := store.IssueFilter{
		CreatedBy: rbac.ReadScope(role, sess.UserID),
		Status:    in.Status,
		Severity:  in.Severity,
		Search:    strings.TrimSpace(in.Search),
	}
	offset := (page - 1) * limit

	issues, total, err := s.store.ListIssues(ctx, filter, limit, offset)
	if err != nil {
		log.Printf("list issues for %s: %v", sess.UserID, err)
		return IssuePage{}, storageError("list issues")
	}

	totalPages := (total + limit - 1) / limit
	return IssuePage{
		Issues: issues,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
		Role: role,
	}, nil
}

func (s *Service) GetIssue(ctx context.Context, sess Session, issueID int64) (store.Issue, rbac.Role, error) {
	if issueID <= 0 {
		return store.Issue{}, "", validationError("Issue ID is required")
	}

	role, err := s.roleFor(ctx, sess)
	if err != nil {
		return store.Issue{}, "", err
	}

	item, err := s.store.GetIssue(ctx, issueID, rbac.ReadScope(role, sess.UserID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Issue{}, "", notFoundOrForbidden()
	}
	if err != nil {
		log.Printf("get issue %d for %s: %v", issueID, sess.UserID, err)
		return store.Issue{}, "", storageError("fetch issue")
	}
	return item, role, nil
}

func (s *Service) AddComment(ctx context.Context, sess Session, issueID int64, text string) (store.Comment, error) {
	if issueID <= 0 {
		return store.Comment{}, validationError("Issue ID and comment are required")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return store.Comment{}, validationError("Comment cannot be empty")
	}

	role, err := s.roleFor(ctx, sess)
	if err != nil {
		return store.Comment{}, err
	}

	visible, err := s.store.IssueVisible(ctx, issueID, rbac.ReadScope(role, sess.UserID))
	if err != nil {
		log.Printf("comment visibility check issue %d for %s: %v", issueID, sess.UserID, err)
		return store.Comment{}, storageError("add comment")
	}
	if !visible {
		return store.Comment{}, notFoundOrForbidden()
	}

	comment, err := s.store.InsertComment(ctx, issueID, sess.UserID, trimmed)
	if err != nil {
		log.Printf("add comment issue %d by %s: %v", issueID, sess.UserID, err)
		return store.Comment{}, storageError("add comment")
	}
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, sess Session, issueID int64) ([]store.Comment, rbac.Role, error) {
	if issueID <= 0 {
		return nil, "", validationError("Issue ID is required")
	}

	role, err := s.roleFor(ctx, sess)
	if err != nil {
		return nil, "", err
	}

	visible, err := s.store.IssueVisible(ctx, issueID, rbac.ReadScope(role, sess.UserID))
	if err != nil {
		log.Printf("comments visibility check issue %d for %s: %v", issueID, sess.UserID, err)
		return nil, "", storageError("fetch comments")
	}
	if !visible {
		return nil, "", notFoundOrForbidden()
	}

	comments, err := s.store.ListComments(ctx, issueID)
	if err != nil {
		log.Printf("list comments issue %d for %s: %v", issueID, sess.UserID, err)
		return nil, "", storageError("fetch comments")
	}
	return comments, role, nil
}

// DashboardStats returns severity counts for currently-open issues, with
// every severity present even when its count is zero.
func (s *Service) DashboardStats(ctx context.Context) (map[string]int, error) {
	counts, err := s.store.OpenSeverityCounts(ctx)
	if err != nil {
		log.Printf("dashboard stats: %v", err)
		return nil, storageError("fetch dashboard stats")
	}
	result := map[string]int{"LOW": 0, "MEDIUM": 0, "HIGH": 0, "CRITICAL": 0}
	for severity, count := range counts {
		result[severity] = count
	}
	return result, nil
}

// RunDailyAggregation snapshots today's per-status issue counts into
// daily_stats. Re-runs overwrite the snapshot rather than accumulating, so
// any number of invocations per day converge to the same rows.
func (s *Service) RunDailyAggregation(ctx context.Context) (AggregationResult, error) {
	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		log.Printf("aggregate daily stats: %v", err)
		return AggregationResult{}, storageError("aggregate daily stats")
	}

	date := time.Now().UTC().Format("2006-01-02")
	if len(counts) > 0 {
		if err := s.store.UpsertDailyStats(ctx, date, counts); err != nil {
			log.Printf("aggregate daily stats: %v", err)
			return AggregationResult{}, storageError("aggregate daily stats")
		}
	}
	return AggregationResult{Date: date, UpdatedStats: counts}, nil
}

// SignUp registers a user and opens a session for them. Only authpw's typed
// validation rejections reach the caller verbatim; storage and hashing
// failures are logged and surfaced as a generic message.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		var invalid authpw.ValidationError
		if errors.As(err, &invalid) {
			return Session{}, validationError(invalid.Error())
		}
		log.Printf("sign up %s: %v", req.Email, err)
		return Session{}, storageError("create account")
	}
	return s.CreateSession(ctx, user)
}

// SignIn authenticates credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password")
	}
	return s.CreateSession(ctx, user)
}

// CreateSession issues an access token and a refresh token for user.
func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	role, err := s.store.GetOrCreateRole(ctx, user.ID)
	if err != nil {
		log.Printf("session role for %s: %v", user.ID, err)
		return Session{}, storageError("create session")
	}

	jti := util.NewID("")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := util.NewID("rt")
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		log.Printf("save refresh session for %s: %v", user.ID, err)
		return Session{}, storageError("create session")
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		Role:         rbac.Normalize(role),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and rebuilds the caller's
// session, re-reading the role from the role store.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		log.Printf("token revocation check: %v", err)
		return Session{}, storageError("validate session")
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	role, err := s.store.GetOrCreateRole(ctx, claims.Sub)
	if err != nil {
		log.Printf("session role for %s: %v", claims.Sub, err)
		return Session{}, storageError("validate session")
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		Role:      rbac.Normalize(role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh rotates a refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	// The Redis backend stores only the user id; fill in display fields.
	if user.Name == "" {
		stored, err := s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, auth.ErrInvalidToken
		}
		user = stored
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		log.Printf("rotate refresh session: %v", err)
	}
	return s.CreateSession(ctx, user)
}

// Logout revokes the access token (by jti, until its natural expiry) and the
// presented refresh token.
func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			log.Printf("revoke access token: %v", err)
		}
	}
	if strings.TrimSpace(refreshToken) != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("revoke refresh session: %v", err)
		}
	}
	return nil
}
