// Package validator provides struct validation for trainkit configuration.
// It uses the validator.v10 library and registers the closed enumerations
// (loss types, reference modes, leftover policies, record shapes) as
// custom rules so invalid variants are rejected at construction time.
package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openeeap/trainkit/pkg/types"
)

// ============================================================================
// Validator Instance
// ============================================================================

var (
	// Global validator instance
	validate *validator.Validate
	once     sync.Once
)

// Validator wraps go-playground validator with custom rules
type Validator struct {
	validator *validator.Validate
}

// New creates a new validator instance with custom rules
func New() *Validator {
	v := validator.New()

	// Report configuration keys rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	registerCustomValidations(v)

	return &Validator{validator: v}
}

// GetValidator returns the shared validator instance
func GetValidator() *Validator {
	once.Do(func() {
		validate = New().validator
	})
	return &Validator{validator: validate}
}

// Validate validates a struct based on tags
func (v *Validator) Validate(i interface{}) error {
	if err := v.validator.Struct(i); err != nil {
		return v.formatValidationError(err)
	}
	return nil
}

// ValidateVar validates a single variable
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	if err := v.validator.Var(field, tag); err != nil {
		return v.formatValidationError(err)
	}
	return nil
}

// ============================================================================
// Custom Validation Rules
// ============================================================================

// registerCustomValidations registers all custom validation rules
func registerCustomValidations(v *validator.Validate) {
	_ = v.RegisterValidation("loss_type", func(fl validator.FieldLevel) bool {
		_, err := types.FromStringLossType(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("reference_mode", func(fl validator.FieldLevel) bool {
		_, err := types.FromStringReferenceMode(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("leftover_policy", func(fl validator.FieldLevel) bool {
		_, err := types.FromStringLeftoverPolicy(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("record_shape", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := types.FromStringRecordShape(s)
		return err == nil
	})

	_ = v.RegisterValidation("token_ids", validateTokenIDs)
}

// validateTokenIDs accepts a slice of non-negative token ids
func validateTokenIDs(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < field.Len(); i++ {
		if field.Index(i).Int() < 0 {
			return false
		}
	}
	return true
}

// ============================================================================
// Error Formatting
// ============================================================================

// ValidationError describes one failed rule
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
}

// FormattedValidationError contains multiple validation errors
type FormattedValidationError struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements error interface
func (f *FormattedValidationError) Error() string {
	var messages []string
	for _, e := range f.Errors {
		messages = append(messages, e.Message)
	}
	return strings.Join(messages, "; ")
}

// formatValidationError formats validation errors into readable messages
func (v *Validator) formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errs []ValidationError

		for _, e := range validationErrors {
			errs = append(errs, ValidationError{
				Field:   e.Namespace(),
				Message: getErrorMessage(e),
				Tag:     e.Tag(),
				Value:   fmt.Sprintf("%v", e.Value()),
			})
		}

		return &FormattedValidationError{Errors: errs}
	}

	return err
}

// getErrorMessage returns human-readable error message for validation tag
func getErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s elements", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "loss_type":
		return fmt.Sprintf("%s must be one of: sigmoid hinge ipo conservative", field)
	case "reference_mode":
		return fmt.Sprintf("%s must be one of: dual unload-adapter named-adapters", field)
	case "leftover_policy":
		return fmt.Sprintf("%s must be one of: drop pad", field)
	case "record_shape":
		return fmt.Sprintf("%s must be one of: instruction conversational preference text", field)
	case "token_ids":
		return fmt.Sprintf("%s must contain only non-negative token ids", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
