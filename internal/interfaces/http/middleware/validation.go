package middleware

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/liana/backend/internal/domain/shared"
)

// SetupValidator makes binding errors name fields by their JSON key
func SetupValidator() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
			}
			return name
		})
	}
}

// BindingError converts a failed bind into a BadRequest naming every invalid field.
// Malformed bodies keep a generic message.
func BindingError(err error) *shared.DomainError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return shared.NewBadRequestError("Invalid request body").WithCause(err)
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, e.Field()+": "+validationMessage(e))
	}
	return shared.NewBadRequestError(strings.Join(parts, "; ")).WithCause(err)
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "min":
		if e.Type().Kind() == reflect.String {
			return "Must be at least " + e.Param() + " characters"
		}
		return "Must be at least " + e.Param()
	case "max":
		if e.Type().Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	case "lte":
		return "Must be less than or equal to " + e.Param()
	case "numeric":
		return "Must be numeric"
	default:
		return "Invalid value"
	}
}
