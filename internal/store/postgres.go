package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const issueColumns = `
	i.id, i.title, i.description, i.severity, i.status,
	i.file_url, i.file_name, i.created_by, i.assigned_to,
	i.created_at, i.updated_at,
	creator.name, creator.email,
	assignee.name, assignee.email
`

const issueJoins = `
	FROM issues i
	JOIN users creator ON i.created_by = creator.id
	LEFT JOIN users assignee ON i.assigned_to = assignee.id
`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var item Issue
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Severity,
		&item.Status,
		&item.FileURL,
		&item.FileName,
		&item.CreatedBy,
		&item.AssignedTo,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CreatorName,
		&item.CreatorEmail,
		&item.AssigneeName,
		&item.AssigneeEmail,
	)
	return item, err
}

// GetOrCreateRole returns the stored role for userID, provisioning one on
// first sight. The first identity ever provisioned becomes ADMIN, everyone
// after that REPORTER. Both races (duplicate user_id, two candidates for the
// bootstrap ADMIN slot) land on a unique constraint; the loser re-reads the
// committed state and tries again.
func (s *PostgresStore) GetOrCreateRole(ctx context.Context, userID string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var role string
		err := s.db.QueryRowContext(ctx, `SELECT role FROM user_roles WHERE user_id=$1`, userID).Scan(&role)
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("lookup role: %w", err)
		}

		var hasAdmin bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM user_roles WHERE role='ADMIN')`).Scan(&hasAdmin); err != nil {
			return "", fmt.Errorf("check bootstrap admin: %w", err)
		}
		assign := "ADMIN"
		if hasAdmin {
			assign = "REPORTER"
		}

		err = s.db.QueryRowContext(ctx, `
			INSERT INTO user_roles (user_id, role)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
			RETURNING role
		`, userID, assign).Scan(&role)
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("insert role: %w", err)
		}
		// Insert was swallowed by a conflict; another request won. Loop and
		// read the winner's row, or retry as REPORTER if the ADMIN slot is
		// what was taken.
	}
	return "", fmt.Errorf("get or create role for %s: conflict retries exhausted", userID)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, user.Email, user.Name, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM users WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, item NewIssue) (Issue, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO issues (title, description, severity, file_url, file_name, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, item.Title, item.Description, item.Severity, item.FileURL, item.FileName, item.CreatedBy).Scan(&id)
	if err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return s.GetIssue(ctx, id, "")
}

// GetIssue reads one issue joined with creator and assignee display fields.
// A non-empty restrictTo confines the read to issues created by that user;
// a row scoped away is indistinguishable from one that does not exist
// (sql.ErrNoRows either way).
func (s *PostgresStore) GetIssue(ctx context.Context, issueID int64, restrictTo string) (Issue, error) {
	query := `SELECT ` + issueColumns + issueJoins + `WHERE i.id = $1`
	args := []any{issueID}
	if restrictTo != "" {
		query += ` AND i.created_by = $2`
		args = append(args, restrictTo)
	}
	return scanIssue(s.db.QueryRowContext(ctx, query, args...))
}

// IssueVisible reports whether issueID exists within restrictTo's scope.
func (s *PostgresStore) IssueVisible(ctx context.Context, issueID int64, restrictTo string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM issues i WHERE i.id = $1`
	args := []any{issueID}
	if restrictTo != "" {
		query += ` AND i.created_by = $2`
		args = append(args, restrictTo)
	}
	query += `)`
	var visible bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&visible); err != nil {
		return false, fmt.Errorf("check issue visibility: %w", err)
	}
	return visible, nil
}

// ListIssues runs the count and the page fetch for one filter inside a single
// repeatable-read transaction, so the reported total and the returned rows
// observe the same snapshot.
func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter, limit, offset int) ([]Issue, int, error) {
	where, args := filter.WhereClause()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin list tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	countQuery := `SELECT COUNT(*) FROM issues i ` + where
	if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	pageQuery := fmt.Sprintf(
		`SELECT %s %s %s ORDER BY i.created_at DESC, i.id DESC LIMIT $%d OFFSET $%d`,
		issueColumns, issueJoins, where, len(args)+1, len(args)+2,
	)
	rows, err := tx.QueryContext(ctx, pageQuery, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate issues: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit list tx: %w", err)
	}
	return items, total, nil
}

// UpdateIssue applies only the fields present in update, bumping updated_at.
// Returns sql.ErrNoRows when issueID does not resolve.
func (s *PostgresStore) UpdateIssue(ctx context.Context, issueID int64, update IssueUpdate) (Issue, error) {
	var assignments []string
	var args []any

	if update.Status != nil {
		args = append(args, *update.Status)
		assignments = append(assignments, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.Severity != nil {
		args = append(args, *update.Severity)
		assignments = append(assignments, fmt.Sprintf("severity = $%d", len(args)))
	}
	if update.ClearAssignee {
		assignments = append(assignments, "assigned_to = NULL")
	} else if update.AssignedTo != nil {
		args = append(args, *update.AssignedTo)
		assignments = append(assignments, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if len(assignments) == 0 {
		return Issue{}, fmt.Errorf("update issue: no assignments")
	}
	assignments = append(assignments, "updated_at = NOW()")

	args = append(args, issueID)
	query := fmt.Sprintf(`UPDATE issues SET %s WHERE id = $%d`, strings.Join(assignments, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Issue{}, fmt.Errorf("update issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Issue{}, fmt.Errorf("update issue rows: %w", err)
	}
	if affected == 0 {
		return Issue{}, sql.ErrNoRows
	}
	return s.GetIssue(ctx, issueID, "")
}

func (s *PostgresStore) InsertComment(ctx context.Context, issueID int64, userID, text string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO issue_comments (issue_id, user_id, comment)
			VALUES ($1, $2, $3)
			RETURNING id, issue_id, user_id, comment, created_at
		)
		SELECT c.id, c.issue_id, c.user_id, c.comment, c.created_at, u.name, u.email
		FROM inserted c
		JOIN users u ON c.user_id = u.id
	`, issueID, userID, text).Scan(
		&item.ID, &item.IssueID, &item.UserID, &item.Comment, &item.CreatedAt,
		&item.UserName, &item.UserEmail,
	)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID int64) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.issue_id, c.user_id, c.comment, c.created_at, u.name, u.email
		FROM issue_comments c
		JOIN users u ON c.user_id = u.id
		WHERE c.issue_id = $1
		ORDER BY c.created_at ASC, c.id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(
			&item.ID, &item.IssueID, &item.UserID, &item.Comment, &item.CreatedAt,
			&item.UserName, &item.UserEmail,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// OpenSeverityCounts groups currently-open issues by severity.
func (s *PostgresStore) OpenSeverityCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*)::int
		FROM issues
		WHERE status = 'OPEN'
		GROUP BY severity
	`)
	if err != nil {
		return nil, fmt.Errorf("open severity counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		counts[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate severity counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) StatusCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)::int
		FROM issues
		GROUP BY status
		ORDER BY status ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	items := make([]StatusCount, 0)
	for rows.Next() {
		var item StatusCount
		if err := rows.Scan(&item.Status, &item.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return items, nil
}

// UpsertDailyStats overwrites the per-status snapshot rows for date in one
// transaction. Re-running the aggregation within the same day converges to
// the latest counts rather than accumulating.
func (s *PostgresStore) UpsertDailyStats(ctx context.Context, date string, counts []StatusCount) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range counts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_stats (date, status, issue_count)
			VALUES ($1, $2, $3)
			ON CONFLICT (date, status)
			DO UPDATE SET issue_count = EXCLUDED.issue_count, created_at = NOW()
		`, date, item.Status, item.Count); err != nil {
			return fmt.Errorf("upsert daily stat %s/%s: %w", date, item.Status, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.Name)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
