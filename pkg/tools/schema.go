package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a JSON schema for an argument struct. The result
// is a plain object schema with inlined definitions, the shape provider
// APIs expect.
func GenerateSchema[T any]() (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	var v T
	schema := reflector.Reflect(&v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	// Structs with no fields reflect without a properties map; the
	// registry requires one even when empty.
	result["type"] = "object"
	if _, ok := result["properties"]; !ok {
		result["properties"] = map[string]interface{}{}
	}
	delete(result, "$schema")
	delete(result, "additionalProperties")

	return result, nil
}

// MustSchema is GenerateSchema for static argument structs whose
// reflection cannot fail.
func MustSchema[T any]() map[string]interface{} {
	schema, err := GenerateSchema[T]()
	if err != nil {
		panic(err)
	}
	return schema
}
