package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kind is the type of value a Validator accepts
type Kind string

const (
	KindLiteral Kind = "literal"
	KindEnum    Kind = "enum"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	// KindRecord is an object with no declared properties
	KindRecord Kind = "record"
	KindArray  Kind = "array"
	KindNull   Kind = "null"
	KindString Kind = "string"
	// KindAny accepts any value; used for arrays without items
	KindAny Kind = "any"
)

// Validator describes the accepted values of one field
type Validator struct {
	Kind Kind
	// Literal is the only accepted value for KindLiteral
	Literal interface{}
	// Choices are the accepted values for KindEnum
	Choices []interface{}
	// Fields holds the properties of a KindObject
	Fields Shape
	// Elem validates the elements of a KindArray
	Elem        *Validator
	Optional    bool
	Description string
}

// Shape maps argument names to their validators
type Shape map[string]Validator

var safeMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"TRACE":   true,
}

// IsSafeMethod reports whether method conventionally carries no body
func IsSafeMethod(method string) bool {
	return safeMethods[strings.ToUpper(strings.TrimSpace(method))]
}

// BuildInputSchemaShape builds argument validators from a normalized input
// schema. Safe methods take their fields from queryParams, all others from
// bodyFields. Fields are optional unless marked required.
func BuildInputSchemaShape(inputSchema map[string]interface{}, method string) Shape {
	source := "bodyFields"
	if IsSafeMethod(method) {
		source = "queryParams"
	}

	fields, ok := inputSchema[source].(map[string]interface{})
	if !ok {
		return Shape{}
	}

	// a JSON Schema object in place of a plain field map
	if t, _ := fields["type"].(string); t == "object" {
		if props, ok := fields["properties"].(map[string]interface{}); ok {
			return buildShape(props, requiredSet(fields["required"]))
		}
	}
	return buildShape(fields, nil)
}

func buildShape(properties map[string]interface{}, required map[string]bool) Shape {
	shape := make(Shape, len(properties))
	for name, desc := range properties {
		shape[name] = buildValidator(desc, required[name])
	}
	return shape
}

func buildValidator(desc interface{}, listedRequired bool) Validator {
	d, ok := desc.(map[string]interface{})
	if !ok {
		return Validator{Kind: KindString, Optional: !listedRequired}
	}

	v := validatorFor(d)
	v.Optional = !(listedRequired || d["required"] == true)
	if description, ok := d["description"].(string); ok {
		v.Description = description
	}
	return v
}

func validatorFor(d map[string]interface{}) Validator {
	if values, ok := d["enum"].([]interface{}); ok && len(values) > 0 {
		if len(values) == 1 {
			return Validator{Kind: KindLiteral, Literal: values[0]}
		}
		return Validator{Kind: KindEnum, Choices: append([]interface{}(nil), values...)}
	}

	t, _ := d["type"].(string)
	switch t {
	case "number", "integer":
		return Validator{Kind: KindNumber}
	case "boolean":
		return Validator{Kind: KindBoolean}
	case "object":
		props, ok := d["properties"].(map[string]interface{})
		if !ok {
			return Validator{Kind: KindRecord}
		}
		return Validator{Kind: KindObject, Fields: buildShape(props, requiredSet(d["required"]))}
	case "array":
		elem := Validator{Kind: KindAny}
		if items, ok := d["items"].(map[string]interface{}); ok {
			elem = validatorFor(items)
			if description, ok := items["description"].(string); ok {
				elem.Description = description
			}
		}
		return Validator{Kind: KindArray, Elem: &elem}
	case "null":
		return Validator{Kind: KindNull}
	default:
		return Validator{Kind: KindString}
	}
}

func requiredSet(v interface{}) map[string]bool {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, item := range list {
		if name, ok := item.(string); ok {
			set[name] = true
		}
	}
	return set
}

// ============================================================================
// JSON Schema rendering and validation
// ============================================================================

// JSONSchema renders the shape as a draft-07 object schema
func (s Shape) JSONSchema() map[string]interface{} {
	schema := s.objectSchema()
	schema["$schema"] = "http://json-schema.org/draft-07/schema#"
	return schema
}

func (s Shape) objectSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s))
	required := []string{}
	for name, v := range s {
		properties[name] = v.jsonSchema()
		if !v.Optional {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (v Validator) jsonSchema() map[string]interface{} {
	var schema map[string]interface{}
	switch v.Kind {
	case KindLiteral:
		schema = map[string]interface{}{"const": v.Literal}
	case KindEnum:
		schema = map[string]interface{}{"enum": v.Choices}
	case KindNumber:
		schema = map[string]interface{}{"type": "number"}
	case KindBoolean:
		schema = map[string]interface{}{"type": "boolean"}
	case KindObject:
		schema = v.Fields.objectSchema()
	case KindRecord:
		schema = map[string]interface{}{"type": "object"}
	case KindArray:
		schema = map[string]interface{}{"type": "array"}
		if v.Elem != nil && v.Elem.Kind != KindAny {
			schema["items"] = v.Elem.jsonSchema()
		}
	case KindNull:
		schema = map[string]interface{}{"type": "null"}
	case KindAny:
		schema = map[string]interface{}{}
	default:
		schema = map[string]interface{}{"type": "string"}
	}

	if v.Description != "" {
		schema["description"] = v.Description
	}
	return schema
}

// ValidationResult represents the result of validating arguments against a shape
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks args against the shape
func (s Shape) Validate(args map[string]interface{}) ValidationResult {
	if args == nil {
		args = map[string]interface{}{}
	}

	schemaJSON, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Failed to marshal schema: %v", err)},
		}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Failed to marshal arguments: %v", err)},
		}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(argsJSON))
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Schema validation failed: %v", err)},
		}
	}

	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{
		Valid:  false,
		Errors: errors,
	}
}
