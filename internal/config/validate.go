package config

import (
	"fmt"
	"reflect"
	"strings"

	"codeberg.org/mutker/gpufand/internal/errors"
	"github.com/go-playground/validator/v10"
)

// ValidationError describes one rejected configuration value.
type ValidationError interface {
	error
	// Field returns the config key of the invalid value
	Field() string
	// Value returns the invalid value
	Value() any
	// Reason returns why the value is invalid
	Reason() string
}

type fieldError struct {
	field  string
	value  any
	reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s=%v: %s", e.field, e.value, e.reason)
}

func (e *fieldError) Field() string  { return e.field }
func (e *fieldError) Value() any     { return e.value }
func (e *fieldError) Reason() string { return e.reason }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every setting except the curve.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
		fe := verrs[0]
		return errFactory.Wrap(codeFor(fe.Field()), &fieldError{
			field:  fe.Field(),
			value:  fe.Value(),
			reason: reasonFor(fe),
		})
	}

	if c.Journal.Enabled {
		if err := validate.Var(c.Journal.Path, "required"); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{
				field: "journal.path", value: c.Journal.Path, reason: "is required when the journal is enabled",
			})
		}
	}

	if c.HTTP.Enabled {
		if err := validate.Var(c.HTTP.Listen, "required,hostname_port"); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{
				field: "http.listen", value: c.HTTP.Listen, reason: "must be host:port",
			})
		}
	}

	return nil
}

func codeFor(field string) errors.ErrorCode {
	switch field {
	case "interval", "timeout", "status_interval":
		return errors.ErrInvalidInterval
	case "log_level":
		return errors.ErrInvalidLogLevel
	default:
		return errors.ErrInvalidConfig
	}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "required":
		return "is required"
	default:
		return "is invalid"
	}
}
