// Package rbac holds the pure access-policy decisions. Every read and write
// path consults this package rather than re-deriving role rules inline.
package rbac

type Role string
type Action string

const (
	RoleReporter   Role = "REPORTER"
	RoleMaintainer Role = "MAINTAINER"
	RoleAdmin      Role = "ADMIN"
)

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionComment Action = "comment"
	ActionReadAll Action = "read-all"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleMaintainer:
		return true
	case RoleReporter:
		return action == ActionCreate || action == ActionComment
	default:
		return false
	}
}

// CanReadIssue decides issue visibility: REPORTER sees only issues they
// created, MAINTAINER and ADMIN see everything.
func CanReadIssue(role Role, userID, createdBy string) bool {
	if Can(role, ActionReadAll) {
		return true
	}
	return role == RoleReporter && userID != "" && userID == createdBy
}

// ReadScope returns the created_by value list reads must be confined to, or
// "" when the role may read the full issue set.
func ReadScope(role Role, userID string) string {
	if Can(role, ActionReadAll) {
		return ""
	}
	return userID
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReporter, RoleMaintainer, RoleAdmin:
		return Role(role)
	default:
		return RoleReporter
	}
}

func ValidRole(role string) bool {
	switch Role(role) {
	case RoleReporter, RoleMaintainer, RoleAdmin:
		return true
	default:
		return false
	}
}
