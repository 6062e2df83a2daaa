package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	messageFieldRequired = "This field is required."
	messageFieldInvalid  = "This field is invalid."
)

// fieldErrors maps json field names to human readable messages.
type fieldErrors map[string]string

type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{validate: validate}
}

// bind decodes the JSON body into target and validates it. A nil result means the
// payload is acceptable.
func (v *requestValidator) bind(c *gin.Context, target any) fieldErrors {
	if err := c.ShouldBindJSON(target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return fieldErrors{typeErr.Field: fmt.Sprintf("Expected a %s.", describeKind(typeErr.Type))}
		}
		return fieldErrors{"non_field_errors": "Malformed JSON payload."}
	}
	if err := v.validate.Struct(target); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return fieldErrors{"non_field_errors": err.Error()}
		}
		result := make(fieldErrors, len(validationErrs))
		for _, fieldErr := range validationErrs {
			key := fieldErr.Field()
			if fieldErr.Tag() == "eqfield" {
				key = "non_field_errors"
			}
			result[key] = messageFor(fieldErr)
		}
		return result
	}
	return nil
}

func messageFor(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return messageFieldRequired
	case "email":
		return "Enter a valid email address."
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fieldErr.Param())
	case "min":
		return fmt.Sprintf("Ensure this field has at least %s entries.", fieldErr.Param())
	case "eqfield":
		return "Passwords do not match."
	default:
		return messageFieldInvalid
	}
}

func describeKind(t reflect.Type) string {
	if t == nil {
		return "valid value"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Bool:
		return "boolean"
	default:
		return t.Kind().String()
	}
}
