package orchestrator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON names
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts validator output into a models.ValidationError
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.ValidationError{Reason: err.Error()}
	}

	fe := verrs[0]
	reason := fmt.Sprintf("failed %q check", fe.Tag())
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		reason = fmt.Sprintf("must be one of: %s", fe.Param())
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return models.ValidationError{Field: fe.Field(), Reason: reason}
}
