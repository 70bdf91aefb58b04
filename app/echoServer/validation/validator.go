// Package validation plugs go-playground struct validation into echo, so
// controllers can rely on `validate` tags when binding request DTOs.
package validation

import (
	"github.com/go-playground/validator/v10"
)

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New()}
}

// Validate satisfies echo.Validator.
func (v *Validator) Validate(i any) error {
	return v.v.Struct(i)
}
