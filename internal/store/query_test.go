package store

import (
	"reflect"
	"testing"
)

func TestWhereClause(t *testing.T) {
	cases := []struct {
		name       string
		filter     IssueFilter
		wantClause string
		wantArgs   []any
	}{
		{
			name:       "empty filter emits no clause",
			filter:     IssueFilter{},
			wantClause: "",
			wantArgs:   nil,
		},
		{
			name:       "ownership scope only",
			filter:     IssueFilter{CreatedBy: "u_1"},
			wantClause: "WHERE i.created_by = $1",
			wantArgs:   []any{"u_1"},
		},
		{
			name:       "status only",
			filter:     IssueFilter{Status: "OPEN"},
			wantClause: "WHERE i.status = $1",
			wantArgs:   []any{"OPEN"},
		},
		{
			name:       "severity only",
			filter:     IssueFilter{Severity: "HIGH"},
			wantClause: "WHERE i.severity = $1",
			wantArgs:   []any{"HIGH"},
		},
		{
			name:       "search spans title and description with one arg",
			filter:     IssueFilter{Search: "login"},
			wantClause: "WHERE (i.title ILIKE $1 OR i.description ILIKE $1)",
			wantArgs:   []any{"%login%"},
		},
		{
			name: "all filters are conjunctive in declaration order",
			filter: IssueFilter{
				CreatedBy: "u_1",
				Status:    "TRIAGED",
				Severity:  "CRITICAL",
				Search:    "sso",
			},
			wantClause: "WHERE i.created_by = $1 AND i.status = $2 AND i.severity = $3 AND (i.title ILIKE $4 OR i.description ILIKE $4)",
			wantArgs:   []any{"u_1", "TRIAGED", "CRITICAL", "%sso%"},
		},
		{
			name:       "scope plus search keeps parameter numbering dense",
			filter:     IssueFilter{CreatedBy: "u_2", Search: "crash"},
			wantClause: "WHERE i.created_by = $1 AND (i.title ILIKE $2 OR i.description ILIKE $2)",
			wantArgs:   []any{"u_2", "%crash%"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clause, args := tc.filter.WhereClause()
			if clause != tc.wantClause {
				t.Fatalf("clause = %q, want %q", clause, tc.wantClause)
			}
			if !reflect.DeepEqual(args, tc.wantArgs) {
				t.Fatalf("args = %#v, want %#v", args, tc.wantArgs)
			}
		})
	}
}

func TestIssueUpdateEmpty(t *testing.T) {
	status := "DONE"
	if !(IssueUpdate{}).Empty() {
		t.Fatal("zero-value update should be empty")
	}
	if (IssueUpdate{Status: &status}).Empty() {
		t.Fatal("status update should not be empty")
	}
	if (IssueUpdate{ClearAssignee: true}).Empty() {
		t.Fatal("assignee clear should not be empty")
	}
}
