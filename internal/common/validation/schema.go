package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Summary joins all errors into a single human readable line.
func (r *ValidationResult) Summary() string {
	if r == nil || r.Valid {
		return ""
	}
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(parts, "; ")
}

// SchemaValidator validates documents against a compiled JSON schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles a schema given as a Go map.
func NewSchemaValidator(schemaMap map[string]interface{}) (*SchemaValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks doc and returns every violation, sorted by field.
func (v *SchemaValidator) Validate(doc interface{}) (*ValidationResult, error) {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return &ValidationResult{Valid: true}, nil
	}

	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" {
			if prop, ok := desc.Details()["property"].(string); ok {
				field = prop
			}
		}
		errs = append(errs, ValidationError{
			Field:   field,
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })

	return &ValidationResult{Valid: false, Errors: errs}, nil
}
