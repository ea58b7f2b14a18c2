package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaError is a value failing its declared schema. Always a permanent
// step error.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return fmt.Sprintf("schema violation: %v", e.Err) }

func (e *SchemaError) Unwrap() error { return e.Err }

// SchemaValidator compiles and caches JSON Schemas (Draft 2020-12) keyed by
// their content digest. Format assertions are enforced.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

func (v *SchemaValidator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.cache[key]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("inline.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("inline.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = sch
	return sch, nil
}

// Validate checks value against the declared schema. A nil/empty schema
// accepts everything.
func (v *SchemaValidator) Validate(raw json.RawMessage, value any) error {
	if len(raw) == 0 {
		return nil
	}
	sch, err := v.compile(raw)
	if err != nil {
		return err
	}
	if err := sch.Validate(value); err != nil {
		return &SchemaError{Err: err}
	}
	return nil
}
