// Package validate holds the input-validation error type shared by the
// recorder, presence tracker, aggregator and HTTP layer, plus a singleton
// go-playground validator for request structs.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Error reports bad input shape or range. Callers map it to HTTP 400.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Errorf builds an *Error for field.
func Errorf(field, format string, args ...any) error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is or wraps an *Error.
func Is(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// IntRange returns an *Error unless lo <= n <= hi.
func IntRange(field string, n, lo, hi int) error {
	if n < lo || n > hi {
		return Errorf(field, "must be between %d and %d, got %d", lo, hi, n)
	}
	return nil
}

var (
	v     *validator.Validate
	vOnce sync.Once
)

func instance() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their JSON name so errors match request bodies.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return v
}

// Struct runs `validate` tags on s and folds failures into a single *Error.
func Struct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make([]string, 0, len(fieldErrs))
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
		msgs = append(msgs, fieldMessage(fe))
	}
	return &Error{Field: strings.Join(fields, ","), Message: strings.Join(msgs, "; ")}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date in " + fe.Param() + " format"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
