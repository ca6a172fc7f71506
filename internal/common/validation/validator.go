// Package validation collects configuration validation failures.
package validation

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
	apperrors "message-router/internal/common/errors"
)

// Validator accumulates validation errors so a whole document can be
// reported at once instead of failing on the first problem.
type Validator struct {
	errs   []error
	prefix string
}

func NewValidator() *Validator {
	return &Validator{}
}

// NewValidatorWithPrefix prefixes every message, e.g. "endpoint orders".
func NewValidatorWithPrefix(prefix string) *Validator {
	return &Validator{prefix: prefix}
}

func (v *Validator) RequireString(value, name string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.addError("%s is required", name)
	}
	return v
}

func (v *Validator) RequireOneOf(value string, allowed []string, name string) *Validator {
	if value == "" {
		v.addError("%s is required", name)
		return v
	}
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.addError("%s must be one of: %s", name, strings.Join(allowed, ", "))
	return v
}

// Check records the formatted message when ok is false.
func (v *Validator) Check(ok bool, format string, args ...interface{}) *Validator {
	if !ok {
		v.addError(format, args...)
	}
	return v
}

// Validate runs fn and records its error, if any.
func (v *Validator) Validate(fn func() error) *Validator {
	if err := fn(); err != nil {
		if v.prefix != "" {
			err = fmt.Errorf("%s: %w", v.prefix, err)
		}
		v.errs = append(v.errs, err)
	}
	return v
}

// Merge appends the errors of another validator.
func (v *Validator) Merge(other *Validator) *Validator {
	if other != nil {
		v.errs = append(v.errs, other.errs...)
	}
	return v
}

func (v *Validator) HasErrors() bool {
	return len(v.errs) > 0
}

func (v *Validator) Errors() []error {
	return v.errs
}

// Error returns nil, or a validation AppError whose cause combines every
// recorded failure.
func (v *Validator) Error() error {
	switch len(v.errs) {
	case 0:
		return nil
	case 1:
		return apperrors.ValidationError(v.errs[0].Error()).WithCause(v.errs[0])
	}
	parts := make([]string, len(v.errs))
	for i, err := range v.errs {
		parts[i] = err.Error()
	}
	return apperrors.ValidationError("validation failed: " + strings.Join(parts, "; ")).
		WithCause(multierr.Combine(v.errs...))
}

func (v *Validator) addError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if v.prefix != "" {
		msg = v.prefix + ": " + msg
	}
	v.errs = append(v.errs, fmt.Errorf("%s", msg))
}
