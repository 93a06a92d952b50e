package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gluufederation/gluu-engine/pkg/recovery"
)

// Errors is returned by Validate; it lists every invalid field.
type Errors []ValidationError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Path + ": " + v.Message
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("sftpurl", func(fl validator.FieldLevel) bool {
		_, err := recovery.ParseTarget(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks cfg against its field rules.
func Validate(cfg *Config) error {
	var out Errors

	if err := newValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range verrs {
			out = append(out, ValidationError{Path: fieldPath(fe.Namespace()), Message: describe(fe)})
		}
	}

	if err := cfg.Tracing.Validate(); err != nil {
		out = append(out, ValidationError{Path: "tracing.endpoint", Message: err.Error()})
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_with":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "sftpurl":
		return fmt.Sprintf("%q is not an sftp://user@host[:port]/path URL", fe.Value())
	case "url":
		return fmt.Sprintf("%q is not a URL", fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
