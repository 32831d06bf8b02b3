package store

import (
	"fmt"
	"strings"
)

// IssueFilter describes the predicates applied to an issue read. Empty fields
// contribute no clause at all, so an unfiltered query carries no vacuous
// conditions. CreatedBy is the implicit ownership scope for REPORTER callers.
type IssueFilter struct {
	CreatedBy string
	Status    string
	Severity  string
	Search    string
}

// WhereClause renders the filter as a single conjunctive WHERE clause with
// positional parameters starting at $1, against an issues table aliased "i".
// The count query and the page query are built from the same clause and
// argument list, so they can never disagree about which rows match.
func (f IssueFilter) WhereClause() (string, []any) {
	var conditions []string
	var args []any

	if f.CreatedBy != "" {
		args = append(args, f.CreatedBy)
		conditions = append(conditions, fmt.Sprintf("i.created_by = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conditions = append(conditions, fmt.Sprintf("i.status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		conditions = append(conditions, fmt.Sprintf("i.severity = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(i.title ILIKE $%d OR i.description ILIKE $%d)", n, n))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
