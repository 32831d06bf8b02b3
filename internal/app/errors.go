package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message)
}

func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message)
}

// notFoundOrForbidden deliberately merges "does not exist" and "scoped away"
// so a REPORTER cannot probe for issue ids they do not own.
func notFoundOrForbidden() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Issue not found or access denied")
}

// storageError is what callers see when the datastore misbehaves; the real
// error is logged at the call site, never sent over the wire.
func storageError(verb string) *DomainError {
	return domainError(http.StatusInternalServerError, "STORAGE_ERROR", "Failed to "+verb)
}
