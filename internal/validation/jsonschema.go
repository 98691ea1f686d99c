package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepgate/pkg/schema"
)

const (
	pipelineSchemaURL = "https://stepgate.dev/schemas/pipeline.json"
	workflowSchemaURL = "https://stepgate.dev/schemas/workflow.json"
)

// pipelineSchemaJSON describes the document form of a PipelineDefinition.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepgate.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
    "description": {"type": "string"},
    "inputs": {
      "type": "object",
      "additionalProperties": {
        "oneOf": [
          {"$ref": "#/$defs/input_type"},
          {"$ref": "#/$defs/input"}
        ]
      }
    },
    "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/step"}},
    "outputs": {"type": "object", "additionalProperties": {"type": "string", "minLength": 1}},
    "webhooks": {
      "type": "object",
      "properties": {
        "on_approval_pending": {"$ref": "#/$defs/webhook"},
        "on_complete": {"$ref": "#/$defs/webhook"},
        "on_failure": {"$ref": "#/$defs/webhook"}
      },
      "additionalProperties": false
    },
    "expose_as_tool": {"type": "boolean"},
    "schedule": {"type": "string"},
    "schedule_inputs": {"type": "object"}
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"},
    "input_type": {
      "type": "string",
      "enum": ["string", "integer", "int", "number", "float", "boolean", "bool", "array", "list", "object", "map", "dict"]
    },
    "input": {
      "type": "object",
      "properties": {
        "type": {"$ref": "#/$defs/input_type"},
        "description": {"type": "string"},
        "default": {},
        "enum": {"type": "array", "minItems": 1}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "exec": {
          "oneOf": [
            {"type": "string", "minLength": 1},
            {
              "type": "object",
              "required": ["command"],
              "properties": {
                "command": {"type": "string", "minLength": 1},
                "cwd": {"type": "string"},
                "env": {"type": "object", "additionalProperties": {"type": "string"}},
                "timeout": {"$ref": "#/$defs/duration"}
              },
              "additionalProperties": false
            }
          ]
        },
        "mcp": {
          "type": "object",
          "required": ["server", "tool"],
          "properties": {
            "server": {"type": "string", "minLength": 1},
            "tool": {"type": "string", "minLength": 1},
            "arguments": {"type": "object"}
          },
          "additionalProperties": false
        },
        "prompt": {
          "oneOf": [
            {"type": "string", "minLength": 1},
            {
              "type": "object",
              "required": ["prompt"],
              "properties": {
                "prompt": {"type": "string", "minLength": 1},
                "system": {"type": "string"}
              },
              "additionalProperties": false
            }
          ]
        },
        "spawn_session": {
          "type": "object",
          "properties": {
            "cli": {"type": "string"},
            "prompt": {"type": "string"},
            "cwd": {"type": "string"},
            "mode": {"type": "string", "enum": ["tmux", "headless"]},
            "title": {"type": "string"},
            "workflow": {"type": "string"},
            "variables": {"type": "object"}
          },
          "additionalProperties": false
        },
        "activate_workflow": {
          "oneOf": [
            {"type": "string", "minLength": 1},
            {
              "type": "object",
              "required": ["workflow"],
              "properties": {
                "workflow": {"type": "string", "minLength": 1},
                "session_id": {"type": "string"},
                "priority": {"type": "integer"},
                "variables": {"type": "object"}
              },
              "additionalProperties": false
            }
          ]
        },
        "approval": {
          "type": "object",
          "properties": {
            "required": {"type": "boolean"},
            "message": {"type": "string"}
          },
          "additionalProperties": false
        }
      },
      "oneOf": [
        {"required": ["exec"]},
        {"required": ["mcp"]},
        {"required": ["prompt"]},
        {"required": ["spawn_session"]},
        {"required": ["activate_workflow"]}
      ],
      "additionalProperties": false
    },
    "webhook": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "method": {"type": "string", "enum": ["POST", "PUT", "post", "put"]},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "timeout": {"$ref": "#/$defs/duration"}
      },
      "additionalProperties": false
    }
  }
}`

// workflowSchemaJSON describes the document form of a WorkflowDefinition.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepgate.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
    "description": {"type": "string"},
    "priority": {"type": "integer"},
    "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/step"}},
    "variables": {"type": "object"},
    "session_variables": {"type": "object"},
    "exit_condition": {"type": "string"},
    "on_session_start": {"$ref": "#/$defs/rules"},
    "on_prompt_submit": {"$ref": "#/$defs/rules"},
    "on_before_tool": {"$ref": "#/$defs/rules"},
    "on_after_tool": {"$ref": "#/$defs/rules"},
    "on_stop": {"$ref": "#/$defs/rules"}
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {
          "type": "object",
          "required": ["action"],
          "properties": {"action": {"type": "string", "minLength": 1}}
        }
      ]
    },
    "actions": {"type": "array", "items": {"$ref": "#/$defs/action"}},
    "condition": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {
          "type": "object",
          "anyOf": [{"required": ["var"]}, {"required": ["variable"]}, {"required": ["type"]}]
        }
      ]
    },
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "rule": {
      "type": "object",
      "properties": {
        "when": {"type": "string"},
        "tools": {"type": "array", "items": {"type": "string"}},
        "actions": {"$ref": "#/$defs/actions"},
        "block": {"type": "boolean"},
        "reason": {"type": "string"}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "on_enter": {"$ref": "#/$defs/actions"},
        "on_exit": {"$ref": "#/$defs/actions"},
        "allowed_tools": {
          "oneOf": [
            {"type": "string", "enum": ["all", "*"]},
            {"type": "array", "items": {"type": "string"}}
          ]
        },
        "blocked_tools": {"type": "array", "items": {"type": "string"}},
        "exit_conditions": {"type": "array", "items": {"$ref": "#/$defs/condition"}},
        "exit_when": {"type": "string"},
        "transitions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["to"],
            "properties": {
              "to": {"type": "string", "minLength": 1},
              "when": {"type": "string"}
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definition documents and pipeline inputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema
	workflowSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the document schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()
	for url, doc := range map[string]string{
		pipelineSchemaURL: pipelineSchemaJSON,
		workflowSchemaURL: workflowSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	pipelineSchema, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	workflowSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		pipelineSchema: pipelineSchema,
		workflowSchema: workflowSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePipelineDocument checks a pipeline document (JSON, or YAML already
// converted to JSON) before it is decoded.
func (v *JSONSchemaValidator) ValidatePipelineDocument(doc []byte) error {
	return validateDocument(v.pipelineSchema, doc)
}

// ValidateWorkflowDocument checks a workflow document before it is decoded.
func (v *JSONSchemaValidator) ValidateWorkflowDocument(doc []byte) error {
	return validateDocument(v.workflowSchema, doc)
}

func validateDocument(s *jsonschema.Schema, doc []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is not valid JSON").WithCause(err)
	}
	if err := s.Validate(parsed); err != nil {
		return toStepgateError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Numbers must reach the validator as json.Number.
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toStepgateError(err)
	}
	return nil
}

// ValidatePipelineInputs validates inputs against the schema derived from def.Inputs.
func (v *JSONSchemaValidator) ValidatePipelineInputs(def *schema.PipelineDefinition, inputs map[string]any) error {
	if len(def.Inputs) == 0 {
		return nil
	}
	b, err := json.Marshal(def.InputJSONSchema())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to build input schema").WithCause(err)
	}
	if err := v.ValidateInput(inputs, b); err != nil {
		var se *schema.StepgateError
		if errors.As(err, &se) {
			se.Message = fmt.Sprintf("pipeline %q inputs: %s", def.Name, se.Message)
		}
		return err
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("stepgate://input-schema/%d", len(v.cache))

	// A fresh compiler per dynamic schema avoids resource collisions.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toStepgateError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toStepgateError(err error) *schema.StepgateError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
