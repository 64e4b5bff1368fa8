package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Reuse the gin `binding` tags so DTOs declare their rules once.
	v.SetTagName("binding")
	return v
}

// ValidateStruct runs `binding`-style validation outside of gin (pubsub
// handlers, cmd tools, tests) so the transaction boundary is guarded no
// matter which surface the input arrived through.
func ValidateStruct(s any) error {
	return validate.Struct(s)
}

func ProcessValidationErrors(err error) map[string]string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}

	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
