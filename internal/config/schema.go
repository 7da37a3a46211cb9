package config

import (
	"fmt"
	"strings"

	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const targetSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "namespace": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "field": {"type": "string", "minLength": 1}
  }
}`

var definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer"},
    "api": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "domain": {"type": "string"},
        "scheme": {"enum": ["http", "https"]},
        "basePath": {"type": "string"},
        "timeoutSeconds": {"type": "integer", "minimum": 1}
      }
    },
    "account": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"username": {"type": "string", "minLength": 1}}
    },
    "credentials": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "usernameEnv": {"type": "string", "minLength": 1},
        "keyEnv": {"type": "string", "minLength": 1}
      }
    },
    "key": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "expiryMonths": {"type": "integer", "minimum": 1},
        "probeVersion": {"type": "boolean"}
      }
    },
    "aging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {"retentionDays": {"type": "integer", "minimum": 0}}
    },
    "targets": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "primary": ` + targetSchema + `,
        "secondary": ` + targetSchema + `
      }
    },
    "history": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "dir": {"type": "string"}
      }
    },
    "notifications": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "webhooks": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["url"],
            "properties": {
              "name": {"type": "string"},
              "url": {"type": "string", "minLength": 1},
              "method": {"enum": ["POST", "PUT", "PATCH"]},
              "headers": {"type": "object", "additionalProperties": {"type": "string"}},
              "events": {"type": "array", "items": {"enum": ["completed", "halted", "partial"]}},
              "payloadTemplate": {"type": "string"},
              "timeoutSeconds": {"type": "integer", "minimum": 1}
            }
          }
        }
      }
    }
  }
}`

// validateSchema checks raw YAML against the configuration schema
func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}
	if doc == nil {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return dserrors.ConfigError{
		Field:      result.Errors()[0].Field(),
		Message:    strings.Join(problems, "; "),
		Suggestion: "Compare your keyrotate.yaml against the documented keys",
	}
}
