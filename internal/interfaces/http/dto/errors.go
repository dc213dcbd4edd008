package dto

import (
	"errors"
	"net/http"

	"github.com/liana/backend/internal/domain/shared"
)

// ErrorCodeHTTPStatus maps domain error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	// Filters are parsed before anything else runs
	shared.CodeInvalidFiltersFormat: http.StatusUnprocessableEntity,

	// Auth errors
	shared.CodeUnauthorized:           http.StatusUnauthorized,
	shared.CodeForbidden:              http.StatusForbidden,
	shared.CodeActionRequiresApproval: http.StatusForbidden,

	// Request errors
	shared.CodeUnprocessableEntity: http.StatusUnprocessableEntity,
	shared.CodeBadRequest:          http.StatusBadRequest,
	shared.CodeNotFound:            http.StatusNotFound,

	shared.CodeInternal: http.StatusInternalServerError,
}

// ErrorCodeName maps domain error codes to the error names the admin UI switches on
var ErrorCodeName = map[string]string{
	shared.CodeInvalidFiltersFormat:   "InvalidFiltersFormat",
	shared.CodeUnauthorized:           "Unauthorized",
	shared.CodeForbidden:              "Forbidden",
	shared.CodeActionRequiresApproval: "CustomActionRequiresApprovalError",
	shared.CodeUnprocessableEntity:    "UnprocessableError",
	shared.CodeBadRequest:             "BadRequestError",
	shared.CodeNotFound:               "NotFoundError",
	shared.CodeInternal:               "InternalServerError",
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// GetErrorName returns the JSON:API error name for an error code
func GetErrorName(code string) string {
	if name, ok := ErrorCodeName[code]; ok {
		return name
	}
	return ErrorCodeName[shared.CodeInternal]
}

// dataCarrier is implemented by errors that send extra data to the admin UI,
// such as the roles allowed to approve an action
type dataCarrier interface {
	ErrorData() map[string]any
}

// NewErrorDocument converts err to its HTTP status and JSON:API error body.
// Errors outside the domain taxonomy answer 500 with their message only.
func NewErrorDocument(err error) (int, ErrorDocument) {
	code := shared.CodeOf(err)
	status := GetHTTPStatus(code)

	detail := err.Error()
	var de *shared.DomainError
	if errors.As(err, &de) {
		detail = de.Message
	}

	obj := ErrorObject{Status: status, Detail: detail, Name: GetErrorName(code)}
	var carrier dataCarrier
	if errors.As(err, &carrier) {
		obj.Data = carrier.ErrorData()
	}
	return status, ErrorDocument{Errors: []ErrorObject{obj}}
}
