package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// Per-action decision payload schemas. Strict: unknown top-level fields
// are rejected before they can smuggle state into the pipeline; callers
// with extra context put it under "extra".
var decisionSchemas = map[contracts.DecisionAction]string{
	contracts.DecisionApprove: `{
		"type": "object",
		"properties": {
			"action": {"const": "APPROVE"},
			"instruction": {"type": "string", "maxLength": 4000},
			"reason": {"type": "string", "maxLength": 4000},
			"route_mode": {"type": "string", "enum": ["", "AUTO", "SUPERVISED", "MANUAL"]},
			"user_id": {"type": "string"},
			"decided_at": {"type": "string"},
			"extra": {"type": "object"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`,
	contracts.DecisionAdjust: `{
		"type": "object",
		"properties": {
			"action": {"const": "ADJUST"},
			"instruction": {"type": "string", "minLength": 1, "maxLength": 4000},
			"reason": {"type": "string", "maxLength": 4000},
			"route_mode": {"type": "string"},
			"user_id": {"type": "string"},
			"decided_at": {"type": "string"},
			"extra": {"type": "object"}
		},
		"required": ["action", "instruction"],
		"additionalProperties": false
	}`,
	contracts.DecisionDismiss: `{
		"type": "object",
		"properties": {
			"action": {"const": "DISMISS"},
			"instruction": {"type": "string", "maxLength": 4000},
			"reason": {"type": "string", "maxLength": 4000},
			"route_mode": {"type": "string"},
			"user_id": {"type": "string"},
			"decided_at": {"type": "string"},
			"extra": {"type": "object"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`,
	contracts.DecisionRetryResearch: `{
		"type": "object",
		"properties": {
			"action": {"const": "RETRY_RESEARCH"},
			"instruction": {"type": "string", "maxLength": 4000},
			"reason": {"type": "string", "maxLength": 4000},
			"route_mode": {"type": "string"},
			"user_id": {"type": "string"},
			"decided_at": {"type": "string"},
			"extra": {"type": "object"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[contracts.DecisionAction]*jsonschema.Schema {
	out := make(map[contracts.DecisionAction]*jsonschema.Schema, len(decisionSchemas))
	for action, raw := range decisionSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://docket.schemas.local/decisions/%s.schema.json", strings.ToLower(string(action)))
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(err)
		}
		out[action] = c.MustCompile(url)
	}
	return out
}

// ValidateDecision checks the decision against the per-action schema.
// Violations come back wrapped in ErrInvalidDecision.
func ValidateDecision(dec contracts.HumanDecision) error {
	schema, ok := compiledSchemas[dec.Action]
	if !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, dec.Action)
	}
	raw, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	return nil
}
