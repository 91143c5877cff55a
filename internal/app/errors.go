package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errPermissionDenied(message string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func errSessionFull(maxParticipants int) *DomainError {
	return domainError(http.StatusConflict, "SESSION_FULL", "Session is at capacity", map[string]any{
		"maxParticipants": maxParticipants,
	})
}

func errSessionNotFound() *DomainError {
	return domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
}

func errSessionEnded() *DomainError {
	return domainError(http.StatusGone, "SESSION_ENDED", "Session has ended", nil)
}

func errParticipantNotFound() *DomainError {
	return domainError(http.StatusNotFound, "PARTICIPANT_NOT_FOUND", "Participant not found", nil)
}

// Share link failure reasons.
const (
	ShareNotFound        = "not_found"
	ShareExpired         = "expired"
	ShareRevoked         = "revoked"
	ShareInvalidPassword = "invalid_password"
)

func errInvalidShareLink(reason string) *DomainError {
	status := http.StatusForbidden
	switch reason {
	case ShareNotFound:
		status = http.StatusNotFound
	case ShareExpired, ShareRevoked:
		status = http.StatusGone
	}
	return domainError(status, "INVALID_SHARE_LINK", "Share link is not valid", map[string]any{
		"reason": reason,
	})
}

// Mutation rejection reasons.
const (
	RejectWrongTurn        = "wrong_turn"
	RejectLocked           = "locked"
	RejectInsufficientRole = "insufficient_role"
)

func errMutationRejected(reason string) *DomainError {
	return domainError(http.StatusConflict, "MUTATION_REJECTED", "Mutation rejected", map[string]any{
		"reason": reason,
	})
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func invalidState(message string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_STATE", message, nil)
}
