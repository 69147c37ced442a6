// Package schema validates request structs using go-playground/validator
// tags and converts failures into API errors.
package schema

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"voxscribe-service/internal/apperrors"
)

// languageHint accepts language codes ("en", "zh-CN") and names ("english").
var languageHint = regexp.MustCompile(`^[A-Za-z]{2,}([-_][A-Za-z0-9]{2,8})*$`)

// Validator wraps a configured validator.Validate.
type Validator struct {
	v *validator.Validate
}

// New creates a validator that reports fields by their json names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("langhint", func(fl validator.FieldLevel) bool {
		return languageHint.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Validate checks s and returns an *apperrors.Error for the first failing
// field. A failing oneof on the task field is reported as INVALID_TASK.
func (v *Validator) Validate(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.InvalidInput("request", err.Error())
	}

	fe := fieldErrs[0]
	if fe.Field() == "task" && fe.Tag() == "oneof" {
		return apperrors.InvalidTask(fmt.Sprint(fe.Value()), strings.Fields(fe.Param()))
	}
	appErr := apperrors.InvalidInput(fe.Field(), message(fe))
	if len(fieldErrs) > 1 {
		fields := make([]string, 0, len(fieldErrs))
		for _, e := range fieldErrs {
			fields = append(fields, e.Field())
		}
		appErr.WithDetail("fields", fields)
	}
	return appErr
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "oneof":
		return "must be one of: " + e.Param()
	case "langhint":
		return "must be a language code or name"
	default:
		return "is invalid"
	}
}
