package config

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema constrains the merged configuration tree. It is intentionally
// permissive about unknown keys so forward-compatible overlays do not fail,
// but strict about types and ranges on the keys the service reads.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "server": {
      "type": "object",
      "properties": {
        "port": {"type": "string"},
        "corsOrigins": {"type": ["array", "null"], "items": {"type": "string"}}
      }
    },
    "database": {
      "type": "object",
      "properties": {
        "driver": {"enum": ["postgres", "mysql", "sqlite"]},
        "dsn": {"type": "string"}
      }
    },
    "turnstile": {
      "type": "object",
      "properties": {
        "secretKey": {"type": "string"},
        "siteverifyUrl": {"type": "string"},
        "timeoutSeconds": {"type": "integer", "minimum": 1}
      }
    },
    "risk": {
      "type": "object",
      "properties": {
        "blockThreshold": {"type": "number", "minimum": 0, "maximum": 100},
        "mode": {"enum": ["", "additive"]},
        "weights": {
          "type": "object",
          "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "customRules": {"type": ["array", "null"], "items": {"type": "string"}}
      }
    },
    "detection": {
      "type": "object",
      "additionalProperties": {"type": "integer", "minimum": 1}
    },
    "timeouts": {
      "type": "object",
      "properties": {
        "schedule": {"type": "array", "items": {"type": "integer", "minimum": 1}, "minItems": 1},
        "maximum": {"type": "integer", "minimum": 1}
      }
    },
    "allowTestingBypass": {"type": "boolean"}
  },
  "required": ["version"]
}`

var compiledSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

func validateSchema(merged map[string]any) error {
	if err := compiledSchema.Validate(normalizeForSchema(merged)); err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	return nil
}

// normalizeForSchema converts the merged tree into the plain-interface form
// the validator expects (it only understands JSON-decoded values).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[strings.TrimSpace(k)] = normalizeForSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeForSchema(vv)
		}
		return out
	default:
		return v
	}
}
