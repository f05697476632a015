package sanitize

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/adred-codev/parkdog_dm/internal/ids"
)

// NewValidator returns a validator that reports JSON field names and knows
// the "msgid" tag for server-issued ids.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("msgid", func(fl validator.FieldLevel) bool {
		return ids.Valid(fl.Field().String())
	})
	return v
}

// FirstInvalidField names the first failing field of a validation error,
// or "" for other errors.
func FirstInvalidField(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return ""
	}
	return verrs[0].Field()
}
