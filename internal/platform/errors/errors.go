// Package errors provides the coded application error used across the service.
// Every error that crosses a package boundary is either an *AppError or is
// wrapped into one with Wrap, so handlers can map it to a transport status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"

	// Approval engine taxonomy.
	ErrCodeDuplicateActiveRequest ErrorCode = "DUPLICATE_ACTIVE_REQUEST"
	ErrCodeStaleRequest           ErrorCode = "STALE_REQUEST"
	ErrCodeNotAuthorizedApprover  ErrorCode = "NOT_AUTHORIZED_APPROVER"
	ErrCodeAlreadyDecided         ErrorCode = "ALREADY_DECIDED"
	ErrCodeRoleResolution         ErrorCode = "ROLE_RESOLUTION"
	ErrCodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
)

// AppError is a coded error with an optional cause and structured details.
type AppError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is reports whether target is an *AppError with the same code, so callers
// can write errors.Is(err, errors.New(errors.ErrCodeStaleRequest, "")).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail attaches a key/value to the error and returns it.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around err. If err is already an *AppError its
// code is kept so the classification is not lost when adding context.
func Wrap(err error, code ErrorCode, message string) *AppError {
	var app *AppError
	if stderrors.As(err, &app) {
		code = app.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %s not found", resource, id)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// InvalidInput reports a validation failure on one field.
func InvalidInput(field, message string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s: %s", field, message)).
		WithDetail("field", field)
}

// DuplicateActiveRequest reports that an entity already has a live request.
func DuplicateActiveRequest(tenantID, entityType, entityID string) *AppError {
	return New(ErrCodeDuplicateActiveRequest,
		fmt.Sprintf("an active approval request already exists for %s %s", entityType, entityID)).
		WithDetail("tenant_id", tenantID).
		WithDetail("entity_type", entityType).
		WithDetail("entity_id", entityID)
}

// StaleRequest reports an optimistic-concurrency conflict.
func StaleRequest(requestID string, expectedVersion int64) *AppError {
	return New(ErrCodeStaleRequest,
		fmt.Sprintf("approval request %s changed since version %d", requestID, expectedVersion)).
		WithDetail("request_id", requestID).
		WithDetail("expected_version", expectedVersion)
}

// NotAuthorizedApprover reports a decision from someone outside the approver set.
func NotAuthorizedApprover(requestID, approverID string, stepIndex int) *AppError {
	return New(ErrCodeNotAuthorizedApprover,
		fmt.Sprintf("user %s is not an approver for step %d", approverID, stepIndex)).
		WithDetail("request_id", requestID).
		WithDetail("approver_id", approverID).
		WithDetail("step_index", stepIndex)
}

// AlreadyDecided reports a duplicate decision by the same approver on a step.
func AlreadyDecided(requestID, approverID string, stepIndex int) *AppError {
	return New(ErrCodeAlreadyDecided,
		fmt.Sprintf("user %s already decided step %d", approverID, stepIndex)).
		WithDetail("request_id", requestID).
		WithDetail("approver_id", approverID).
		WithDetail("step_index", stepIndex)
}

// RoleResolution reports a role that maps to no users.
func RoleResolution(tenantID, role, reason string) *AppError {
	return New(ErrCodeRoleResolution,
		fmt.Sprintf("role %s cannot be resolved for tenant %s: %s", role, tenantID, reason)).
		WithDetail("tenant_id", tenantID).
		WithDetail("role", role)
}

// InvalidTransition reports an operation against a terminal request.
func InvalidTransition(requestID, status, operation string) *AppError {
	return New(ErrCodeInvalidTransition,
		fmt.Sprintf("cannot %s approval request %s in status %s", operation, requestID, status)).
		WithDetail("request_id", requestID).
		WithDetail("status", status)
}

// CodeOf returns the code of the first *AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotAuthorizedApprover:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeDuplicateActiveRequest, ErrCodeStaleRequest,
		ErrCodeAlreadyDecided, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeRoleResolution:
		return http.StatusUnprocessableEntity
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
