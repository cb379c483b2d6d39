package docstore

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a required field missing on insert.
type ValidationError struct {
	Collection string
	Field      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Collection, e.Field)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SchemaDefinition declares the rules for one collection. It is enforced on
// insert only; updates may omit required fields.
type SchemaDefinition struct {
	// Required fields must be present and not null.
	Required []string `json:"required,omitempty" yaml:"required,omitempty" jsonschema:"description=Fields that must be present and non-null on insert"`
	// Defaults fill in absent fields before validation. Caller values win.
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty" jsonschema:"description=Values applied under caller-supplied fields on insert"`
}

// Validate checks doc against the required fields.
func (s *SchemaDefinition) Validate(collection string, doc Document) error {
	for _, f := range s.Required {
		if doc[f] == nil {
			return &ValidationError{Collection: collection, Field: f}
		}
	}
	return nil
}

// applyDefaults returns a copy of doc with the defaults merged under it.
func (s *SchemaDefinition) applyDefaults(doc Document) Document {
	out := make(Document, len(doc)+len(s.Defaults))
	for k, v := range s.Defaults {
		out[k] = cloneValue(v)
	}
	for k, v := range doc {
		if _, ok := out[k]; ok && v == nil {
			// An explicit null does not hide a default.
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// SchemaFromType derives a schema from the JSON Schema of struct T: every
// field without omitempty is required.
//
// It panics if T is not a struct.
func SchemaFromType[T any]() SchemaDefinition {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("docstore: SchemaFromType needs a struct, got %s", t))
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	def := SchemaDefinition{}
	for _, name := range schema.Required {
		if isSystemField(name) {
			continue
		}
		def.Required = append(def.Required, name)
	}
	return def
}
