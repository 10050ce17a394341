package rbac

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("entityref", func(fl validator.FieldLevel) bool {
			_, ok := ParseEntityRef(fl.Field().String())
			return ok
		})
		_ = validate.RegisterValidation("roleref", func(fl validator.FieldLevel) bool {
			return IsRoleRef(fl.Field().String())
		})
	})
	return validate
}

// validateStruct runs tag validation and converts the first failure into a
// ValidationError naming the offending field.
func validateStruct(op string, v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return ValidationError(op, fieldName(fe), "%s", translateError(fe))
	}
	return ValidationError(op, "", "%v", err)
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

func translateError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "entityref":
		return fmt.Sprintf("%q is not a valid entity reference (kind:namespace/name)", fe.Value())
	case "roleref":
		return fmt.Sprintf("%q is not a role reference (role:namespace/name)", fe.Value())
	case "excludesall":
		return "must not contain commas"
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
