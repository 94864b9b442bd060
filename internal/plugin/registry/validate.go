package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateConfig checks value against schema, when schema is non-empty.
// An empty or "{}" schema permits any config, matching the legacy-manifest
// default of an empty configSchema object.
func validateConfig(schema, value json.RawMessage) error {
	if len(bytes.TrimSpace(schema)) == 0 || bytes.Equal(bytes.TrimSpace(schema), []byte("{}")) {
		return nil
	}
	if len(value) == 0 {
		value = json.RawMessage("{}")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config-schema.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("%w: invalid configSchema: %v", ErrConfigInvalid, err)
	}
	compiled, err := compiler.Compile("config-schema.json")
	if err != nil {
		return fmt.Errorf("%w: invalid configSchema: %v", ErrConfigInvalid, err)
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("%w: config is not valid JSON: %v", ErrConfigInvalid, err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}
