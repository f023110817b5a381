package app

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type bodyValidator struct {
	v *validator.Validate
}

func newBodyValidator() *bodyValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &bodyValidator{v: v}
}

// check returns field -> failed tag, or nil when target is valid.
func (b *bodyValidator) check(target any) map[string]string {
	err := b.v.Struct(target)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return map[string]string{"body": err.Error()}
	}
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}
