package stage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"campaign-pipeline/internal/errs"
	"campaign-pipeline/internal/models"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateProductInfo checks the intake form.
func ValidateProductInfo(p models.ProductInfo) error {
	return validateStruct("product info", p)
}

// ValidateResearchInput checks the optional research sources.
func ValidateResearchInput(in models.ResearchInput) error {
	return validateStruct("research input", in)
}

// ValidateSelection checks an idea selection. When candidates is non-empty
// every selected id must be one of them.
func ValidateSelection(ids []string, candidates []models.AdIdea) error {
	const op = "select ideas"
	if len(ids) == 0 {
		return errs.Validation(op, "at least one idea must be selected")
	}
	known := make(map[string]struct{}, len(candidates))
	for _, idea := range candidates {
		known[idea.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return errs.Validation(op, "idea id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return errs.Validation(op, "idea %q selected twice", id)
		}
		seen[id] = struct{}{}
		if len(known) > 0 {
			if _, ok := known[id]; !ok {
				return errs.Validation(op, "idea %q was not offered", id)
			}
		}
	}
	return nil
}

// ValidateVariations enforces the service's 1..5 range.
func ValidateVariations(n int) error {
	if n < 1 || n > 5 {
		return errs.Validation("select ideas", "variations per idea must be between 1 and 5, got %d", n)
	}
	return nil
}

func validateStruct(op string, v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errs.Validation(op, "%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return errs.Validation(op, "%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
