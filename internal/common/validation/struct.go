package validation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	structValidator *validator.Validate
	structOnce      sync.Once
)

func getStructValidator() *validator.Validate {
	structOnce.Do(func() {
		v := validator.New()
		// report yaml names, which is what operators write
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		structValidator = v
	})
	return structValidator
}

// Struct validates s against its `validate` tags and records one error per
// failing field.
func (v *Validator) Struct(s interface{}) *Validator {
	err := getStructValidator().Struct(s)
	if err == nil {
		return v
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		v.addError("%v", err)
		return v
	}
	for _, fe := range fieldErrs {
		v.addError("%s", fieldMessage(fe))
	}
	return v
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return field + " must be a valid URL"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
