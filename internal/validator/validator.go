// Package validator checks candidate catalog documents against the
// model schemas before any write reaches the projection store.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/microvideo/catalog-sync/internal/catalog"
)

// ValidationError marks a document that failed schema validation. It is
// fatal for the single message that carried the document.
type ValidationError struct {
	Model string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for model %s: %v", e.Model, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator holds the compiled full and partial schema per model.
// Partial mode drops the required-field assertions so updates may carry
// only changed fields.
type Validator struct {
	full    map[string]*jsonschema.Schema
	partial map[string]*jsonschema.Schema
}

// New compiles both schema variants for every given model.
func New(models ...catalog.Model) (*Validator, error) {
	v := &Validator{
		full:    make(map[string]*jsonschema.Schema, len(models)),
		partial: make(map[string]*jsonschema.Schema, len(models)),
	}

	for _, m := range models {
		full, err := compile(m, false)
		if err != nil {
			return nil, err
		}
		partial, err := compile(m, true)
		if err != nil {
			return nil, err
		}
		v.full[m.Name] = full
		v.partial[m.Name] = partial
	}
	return v, nil
}

// Validate checks the document against the model schema. Partial mode
// relaxes required-field checks only; type and length constraints on the
// fields that are present still apply.
func (v *Validator) Validate(model catalog.Model, data map[string]any, partial bool) error {
	schemas := v.full
	if partial {
		schemas = v.partial
	}

	schema, ok := schemas[model.Name]
	if !ok {
		return fmt.Errorf("no schema registered for model %s", model.Name)
	}

	// The schema library expects plain decoded JSON values.
	if err := schema.Validate(normalize(data)); err != nil {
		return &ValidationError{Model: model.Name, Err: err}
	}
	return nil
}

func compile(m catalog.Model, partial bool) (*jsonschema.Schema, error) {
	doc, err := json.Marshal(schemaDoc(m, partial))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema for %s: %w", m.Name, err)
	}

	variant := "full"
	if partial {
		variant = "partial"
	}
	url := fmt.Sprintf("catalog/%s-%s.json", m.Name, variant)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to register schema for %s: %w", m.Name, err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", m.Name, err)
	}
	return schema, nil
}

func schemaDoc(m catalog.Model, partial bool) map[string]any {
	properties := make(map[string]any, len(m.Fields))
	var required []string

	for _, f := range m.Fields {
		properties[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if !partial && len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func fieldSchema(f catalog.Field) map[string]any {
	schema := make(map[string]any)

	if f.Nullable {
		schema["type"] = []string{f.Type, "null"}
	} else {
		schema["type"] = f.Type
	}
	if f.MinLength > 0 {
		schema["minLength"] = f.MinLength
	}
	if f.MaxLength > 0 {
		schema["maxLength"] = f.MaxLength
	}
	return schema
}

// normalize round-trips the document through JSON so values produced in
// Go code (fixtures, tests) validate the same as wire payloads.
func normalize(data map[string]any) any {
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}
