package pipeline_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/chronotask/chronotask/internal/pipeline"
)

var strictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url":   {"type": "string", "format": "uri"},
		"count": {"type": "number"},
		"mode":  {"enum": ["fast", "slow"]}
	},
	"required": ["url"],
	"additionalProperties": false
}`)

func TestSchemaValidator_Valid(t *testing.T) {
	v := pipeline.NewSchemaValidator()

	err := v.Validate(strictSchema, map[string]any{
		"url":   "https://example.com",
		"count": float64(2),
		"mode":  "fast",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchemaValidator_Violations(t *testing.T) {
	v := pipeline.NewSchemaValidator()

	tests := []struct {
		name  string
		value map[string]any
	}{
		{"missing required", map[string]any{"count": float64(1)}},
		{"wrong type", map[string]any{"url": float64(1)}},
		{"unknown property rejected", map[string]any{"url": "https://example.com", "extra": "nope"}},
		{"enum violation", map[string]any{"url": "https://example.com", "mode": "medium"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(strictSchema, tt.value)
			var schemaErr *pipeline.SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
		})
	}
}

func TestSchemaValidator_EmptySchemaAcceptsAll(t *testing.T) {
	v := pipeline.NewSchemaValidator()

	if err := v.Validate(nil, map[string]any{"anything": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSchemaValidator_OneOf(t *testing.T) {
	schema := json.RawMessage(`{
		"oneOf": [
			{"type": "object", "properties": {"kind": {"const": "a"}}, "required": ["kind"]},
			{"type": "string"}
		]
	}`)
	v := pipeline.NewSchemaValidator()

	if err := v.Validate(schema, "plain"); err != nil {
		t.Fatalf("string branch: %v", err)
	}
	if err := v.Validate(schema, map[string]any{"kind": "a"}); err != nil {
		t.Fatalf("object branch: %v", err)
	}
	if err := v.Validate(schema, float64(3)); err == nil {
		t.Fatal("expected violation for number")
	}
}

func TestSchemaValidator_BadSchema(t *testing.T) {
	v := pipeline.NewSchemaValidator()

	if err := v.Validate(json.RawMessage(`{"type": 42}`), "x"); err == nil {
		t.Fatal("expected compile error")
	}
}
