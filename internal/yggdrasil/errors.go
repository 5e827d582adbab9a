package yggdrasil

import (
	"errors"
	"net/http"
)

// Wire-level error kinds understood by yggdrasil clients. Every 4xx response
// carries exactly {"error": <kind>, "errorMessage": <message>}.
const (
	kindForbiddenOperation = "ForbiddenOperationException"
	kindIllegalArgument    = "IllegalArgumentException"
)

// Messages mirror the ones emitted by upstream yggdrasil servers; launchers
// surface them to players verbatim.
const (
	messageInvalidToken         = "Invalid token."
	messageInvalidCredentials   = "Invalid credentials. Invalid username or password."
	messageTokenAlreadyAssigned = "Access token already has a profile assigned."
	messageAccessDenied         = "Access denied."
	messageProfileNotFound      = "No such profile."
	messageInvalidProfile       = "Invalid profile."
)

// Error is a user-visible protocol error with a fixed wire shape.
type Error struct {
	StatusCode int
	ErrorName  string
	Message    string
}

func (apiError *Error) Error() string {
	return apiError.ErrorName + ": " + apiError.Message
}

// NewForbiddenOperationError builds a 403 ForbiddenOperationException.
func NewForbiddenOperationError(message string) *Error {
	return &Error{
		StatusCode: http.StatusForbidden,
		ErrorName:  kindForbiddenOperation,
		Message:    message,
	}
}

// NewIllegalArgumentError builds a 400 IllegalArgumentException.
func NewIllegalArgumentError(message string) *Error {
	return &Error{
		StatusCode: http.StatusBadRequest,
		ErrorName:  kindIllegalArgument,
		Message:    message,
	}
}

// Internal sentinels. Handlers translate these into protocol errors; the
// dotted codes never reach a response body.
var (
	// ErrTokenNotFound indicates the access token does not resolve to a live record.
	ErrTokenNotFound = errors.New("token_store.not_found")
	// ErrTokenUnavailable indicates the token exists but is superseded, revoked, or expired.
	ErrTokenUnavailable = errors.New("token_store.unavailable")
	// ErrClientTokenMismatch indicates the supplied client token does not match the lineage.
	ErrClientTokenMismatch = errors.New("token_store.client_token_mismatch")
	// ErrTokenAlreadyBound indicates a profile-selection attempt on an already-bound token.
	ErrTokenAlreadyBound = errors.New("token_store.already_bound")
	// ErrCharacterAccessDenied indicates the selected character belongs to another user.
	ErrCharacterAccessDenied = errors.New("token_store.character_access_denied")

	// ErrUserNotFound indicates no user matches the given identifier.
	ErrUserNotFound = errors.New("directory.user_not_found")
	// ErrCharacterNotFound indicates no character matches the given identifier.
	ErrCharacterNotFound = errors.New("directory.character_not_found")
)
