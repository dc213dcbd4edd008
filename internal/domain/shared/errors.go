package shared

import "errors"

// Error codes carried by DomainError
const (
	CodeInvalidFiltersFormat = "INVALID_FILTERS_FORMAT"
	CodeForbidden            = "FORBIDDEN"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeUnprocessableEntity  = "UNPROCESSABLE_ENTITY"
	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
	// CodeActionRequiresApproval is a Forbidden variant telling the UI to open an approval request
	CodeActionRequiresApproval = "CUSTOM_ACTION_REQUIRES_APPROVAL"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause, if any
func (e *DomainError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a DomainError with the same code
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithCause returns a copy of the error wrapping cause
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		cause:   cause,
	}
}

// Common domain errors
var (
	ErrInvalidFiltersFormat = NewDomainError(CodeInvalidFiltersFormat, "Invalid filters format")
	ErrForbidden            = NewDomainError(CodeForbidden, "Access to this resource is forbidden")
	ErrUnauthorized         = NewDomainError(CodeUnauthorized, "Not authorized to perform this action")
	ErrUnprocessableEntity  = NewDomainError(CodeUnprocessableEntity, "Unprocessable entity")
	ErrBadRequest           = NewDomainError(CodeBadRequest, "Bad request")
	ErrNotFound             = NewDomainError(CodeNotFound, "Resource not found")
	ErrInternal             = NewDomainError(CodeInternal, "Internal server error")
)

// NewInvalidFiltersFormatError reports a malformed filters payload
func NewInvalidFiltersFormatError(message string) *DomainError {
	return NewDomainError(CodeInvalidFiltersFormat, message)
}

// NewForbiddenError reports a permission denial
func NewForbiddenError(message string) *DomainError {
	return NewDomainError(CodeForbidden, message)
}

// NewUnauthorizedError reports a missing or invalid authentication token
func NewUnauthorizedError(message string) *DomainError {
	return NewDomainError(CodeUnauthorized, message)
}

// NewUnprocessableEntityError reports a structurally invalid request
func NewUnprocessableEntityError(message string) *DomainError {
	return NewDomainError(CodeUnprocessableEntity, message)
}

// NewBadRequestError reports a malformed or out-of-scope request
func NewBadRequestError(message string) *DomainError {
	return NewDomainError(CodeBadRequest, message)
}

// NewNotFoundError reports a missing resource
func NewNotFoundError(message string) *DomainError {
	return NewDomainError(CodeNotFound, message)
}

// NewInternalError wraps an infrastructure failure. The message of the cause is kept
// so the caller sees what failed without internals beyond it.
func NewInternalError(cause error) *DomainError {
	msg := ErrInternal.Message
	if cause != nil {
		msg = cause.Error()
	}
	return NewDomainError(CodeInternal, msg).WithCause(cause)
}

// IsForbidden reports whether err is a permission denial
func IsForbidden(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == CodeForbidden || de.Code == CodeActionRequiresApproval
}

// CodeOf returns the domain error code of err, or CodeInternal
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
