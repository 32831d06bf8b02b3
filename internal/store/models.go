package store

import "time"

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Issue is an issues row joined with the creator's and assignee's display
// fields. Assignee fields are nil when the issue is unassigned.
type Issue struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Severity      string    `json:"severity"`
	Status        string    `json:"status"`
	FileURL       *string   `json:"file_url"`
	FileName      *string   `json:"file_name"`
	CreatedBy     string    `json:"created_by"`
	AssignedTo    *string   `json:"assigned_to"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatorName   string    `json:"creator_name"`
	CreatorEmail  string    `json:"creator_email"`
	AssigneeName  *string   `json:"assignee_name"`
	AssigneeEmail *string   `json:"assignee_email"`
}

type Comment struct {
	ID        int64     `json:"id"`
	IssueID   int64     `json:"issue_id"`
	UserID    string    `json:"user_id"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
	UserName  string    `json:"user_name"`
	UserEmail string    `json:"user_email"`
}

type NewIssue struct {
	Title       string
	Description string
	Severity    string
	FileURL     *string
	FileName    *string
	CreatedBy   string
}

// IssueUpdate carries the mutable issue fields. A nil pointer means the field
// was not supplied. ClearAssignee distinguishes "assign to nobody" from
// "leave assignment alone".
type IssueUpdate struct {
	Status        *string
	Severity      *string
	AssignedTo    *string
	ClearAssignee bool
}

func (u IssueUpdate) Empty() bool {
	return u.Status == nil && u.Severity == nil && u.AssignedTo == nil && !u.ClearAssignee
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type DailyStat struct {
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	IssueCount int       `json:"issue_count"`
	CreatedAt  time.Time `json:"created_at"`
}
