package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/antigravity-dev/gpec/internal/plan"
)

// spawnPlanSchemaJSON is a structural JSON Schema for SpawnPlan — a second
// defense line layered on top of the Go type system and plan.Validate's
// manual invariant walk (spec.md §6).
const spawnPlanSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["planId", "version", "nodes", "edges", "gates", "caps", "piiPolicy", "governanceLevel"],
  "properties": {
    "planId": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "minItems": 2,
      "maxItems": 12,
      "items": {
        "type": "object",
        "required": ["id", "type", "authorityLevel"],
        "properties": {
          "id": {"type": "string", "pattern": "^node-[a-z0-9]+$"},
          "type": {"type": "string"},
          "authorityLevel": {"enum": ["INFORMATIONAL", "ADVISORY", "MANDATORY"]}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "dataKey"]
      }
    },
    "gates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "afterNode"]
      }
    },
    "caps": {
      "type": "object",
      "required": ["maxWorkers", "maxTokens", "maxCostCents", "maxRuntimeMs", "maxParallel"]
    },
    "piiPolicy": {"enum": ["NO_RAW_PII", "PII_ALLOWED", "PII_ENCRYPTED"]},
    "governanceLevel": {"enum": ["Advisory", "Strict", "Regulated"]}
  }
}`

var spawnPlanSchema = mustCompileSchema(spawnPlanSchemaJSON)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("spawn-plan.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("compiler: embedded schema is invalid: %v", err))
	}
	schema, err := compiler.Compile("spawn-plan.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compiler: embedded schema failed to compile: %v", err))
	}
	return schema
}

// validateAgainstSchema re-validates p via JSON Schema, independent of the
// hand-written invariant walk in plan.Validate.
func validateAgainstSchema(p plan.SpawnPlan) error {
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan for schema validation: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode plan for schema validation: %w", err)
	}
	if err := spawnPlanSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

// ValidateWorkerOutputShape checks WorkerOutput.data's top-level shape
// before the forbidden-key scan runs. It uses no JSON Schema: it
// re-encodes data through encoding/json and asserts that data, if
// present, decodes to a JSON object — the per-worker content shape is
// the worker's own concern. The
// Supervisor calls this ahead of plan.FindForbiddenKey for each worker
// output.
func ValidateWorkerOutputShape(data map[string]any) error {
	if data == nil {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal worker output data: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("decode worker output data: %w", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return fmt.Errorf("worker output data must be a JSON object")
	}
	return nil
}
