package core

import (
	"github.com/go-playground/validator/v10"

	"shoplist/internal/types"
)

// Validator wraps go-playground/validator for request struct validation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(),
	}
}

// ValidateStruct validates the given struct against its `validate` tags and
// returns a structured AppError naming the first offending field, or nil.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"request validation failed",
			err,
			map[string]any{
				"field": fe.Field(),
				"rule":  fe.Tag(),
			},
		)
	}

	return types.NewAppError(types.ErrCodeValidationMissingField, "request validation failed", err)
}
