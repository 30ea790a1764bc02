package remote

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.pdfx.local/"

const loadResponseSchema = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "message": {"type": ["string", "null"]},
    "data": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "propertyNames": {"pattern": "^[0-9]+$"},
        "additionalProperties": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string"},
              "pageNum": {"type": "integer"},
              "pageNumber": {"type": "integer"},
              "userId": {"type": ["string", "null"]},
              "blockId": {"type": ["string", "null"]},
              "timestamp": {"type": ["string", "number", "null"]}
            }
          }
        }
      }
    }
  }
}`

const saveResponseSchema = `{
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {"enum": ["success", "error"]},
    "message": {"type": ["string", "null"]},
    "saved_types": {"type": "array", "items": {"type": "string"}}
  }
}`

type responseSchemas struct {
	load *jsonschema.Schema
	save *jsonschema.Schema
}

func compileResponseSchemas() (*responseSchemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, source := range map[string]string{
		schemaBaseURL + "load-response.json": loadResponseSchema,
		schemaBaseURL + "save-response.json": saveResponseSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	load, err := compiler.Compile(schemaBaseURL + "load-response.json")
	if err != nil {
		return nil, err
	}
	save, err := compiler.Compile(schemaBaseURL + "save-response.json")
	if err != nil {
		return nil, err
	}
	return &responseSchemas{load: load, save: save}, nil
}

func validateBody(schema *jsonschema.Schema, body []byte) error {
	if schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
