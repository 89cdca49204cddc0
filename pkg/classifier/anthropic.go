package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker/v2"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/retry"
)

// MessagesClient captures the subset of the Anthropic SDK used here. It
// is satisfied by *sdk.MessageService, so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the adapter.
type AnthropicOptions struct {
	Model     string
	MaxTokens int
	// Timeout bounds one model call. Defaults to 30s.
	Timeout time.Duration
}

// Anthropic implements Classifier and Drafter on Claude Messages with
// forced tool use: the model must answer by calling a single tool whose
// input schema is the structure we decode. Calls ride behind a circuit
// breaker and retry twice on transient failure.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker[*sdk.Message]
	rp        retry.Policy
}

var _ Classifier = (*Anthropic)(nil)
var _ Drafter = (*Anthropic)(nil)

// NewAnthropic builds the adapter around an injected messages client.
func NewAnthropic(msg MessagesClient, opts AnthropicOptions) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Anthropic{
		msg:       msg,
		model:     opts.Model,
		maxTokens: maxTokens,
		timeout:   timeout,
		breaker: gobreaker.NewCircuitBreaker[*sdk.Message](gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		rp: retry.Policy{
			Base:        200 * time.Millisecond,
			Max:         2 * time.Second,
			MaxJitter:   100 * time.Millisecond,
			MaxAttempts: 3, // one call plus two retries
		},
	}, nil
}

// NewAnthropicFromAPIKey constructs the adapter on the default SDK
// HTTP client.
func NewAnthropicFromAPIKey(apiKey string, opts AnthropicOptions) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&client.Messages, opts)
}

const analysisTool = "record_analysis"

var analysisSchema = map[string]any{
	"intent": map[string]any{
		"type": "string",
		"enum": []string{
			"acknowledgment", "records_provided", "partial_approval", "denial",
			"fee_notice", "clarification", "no_response", "status_update",
			"referral", "other",
		},
	},
	"sentiment": map[string]any{
		"type": "string",
		"enum": []string{"positive", "neutral", "negative", "hostile"},
	},
	"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	"key_points": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	"extracted_fee_amount": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount_cents": map[string]any{"type": "integer"},
			"currency":     map[string]any{"type": "string"},
		},
	},
	"constraints_detected": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	"exemption_citations":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	"scope_updates": map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":   map[string]any{"type": "string"},
				"status": map[string]any{"type": "string"},
				"reason": map[string]any{"type": "string"},
			},
		},
	},
}

// Classify asks the model to read one inbound message in its case
// context and answer through the analysis tool.
func (a *Anthropic) Classify(ctx context.Context, req Request) (*contracts.Analysis, error) {
	if req.Message == nil {
		return nil, fmt.Errorf("classify: no message")
	}
	prompt, err := classifyPrompt(req)
	if err != nil {
		return nil, err
	}
	raw, err := a.callTool(ctx, analysisTool,
		"Record the structured analysis of the agency's message.",
		analysisSchema, prompt)
	if err != nil {
		return nil, err
	}
	var analysis contracts.Analysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return nil, fmt.Errorf("classify: decode tool input: %w", err)
	}
	if analysis.Confidence < 0 || analysis.Confidence > 1 {
		return nil, fmt.Errorf("classify: confidence %v out of range", analysis.Confidence)
	}
	return &analysis, nil
}

const draftTool = "record_draft"

var draftSchema = map[string]any{
	"subject":   map[string]any{"type": "string"},
	"body_text": map[string]any{"type": "string"},
	"body_html": map[string]any{"type": "string"},
}

// Draft asks the model for outbound content for one action type.
func (a *Anthropic) Draft(ctx context.Context, req DraftRequest) (*contracts.Draft, error) {
	if req.Case == nil {
		return nil, fmt.Errorf("draft: no case")
	}
	prompt, err := draftPrompt(req)
	if err != nil {
		return nil, err
	}
	raw, err := a.callTool(ctx, draftTool,
		"Record the drafted outbound message.",
		draftSchema, prompt)
	if err != nil {
		return nil, err
	}
	var draft contracts.Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, fmt.Errorf("draft: decode tool input: %w", err)
	}
	if draft.BodyText == "" {
		return nil, fmt.Errorf("draft: model returned empty body")
	}
	return &draft, nil
}

// callTool runs one forced-tool request through the breaker and the
// retry loop, returning the tool call's raw JSON input.
func (a *Anthropic) callTool(ctx context.Context, name, description string, properties map[string]any, prompt string) (json.RawMessage, error) {
	tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{Properties: properties}, name)
	if tool.OfTool != nil {
		tool.OfTool.Description = sdk.String(description)
	}
	params := sdk.MessageNewParams{
		Model:      sdk.Model(a.model),
		MaxTokens:  a.maxTokens,
		Messages:   []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Tools:      []sdk.ToolUnionParam{tool},
		ToolChoice: sdk.ToolChoiceParamOfTool(name),
	}

	var lastErr error
	for attempt := 0; attempt < a.rp.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.Backoff(name, attempt-1, a.rp)):
			}
		}
		msg, err := a.breaker.Execute(func() (*sdk.Message, error) {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			return a.msg.New(callCtx, params)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			lastErr = err
			continue
		}
		if msg == nil {
			lastErr = fmt.Errorf("nil response message")
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.Name == name {
				return json.RawMessage(block.Input), nil
			}
		}
		lastErr = fmt.Errorf("response carried no %s tool call", name)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func classifyPrompt(req Request) (string, error) {
	snapshot, err := json.Marshal(map[string]any{
		"case":    caseSnapshot(req.Case),
		"message": messageSnapshot(req.Message),
		"thread":  threadSnapshot(req.Thread),
	})
	if err != nil {
		return "", fmt.Errorf("classify: encode snapshot: %w", err)
	}
	return "You are reviewing an inbound message from a government agency on a " +
		"public-records (FOIA) request. Classify the message and extract " +
		"structure by calling " + analysisTool + ".\n\n" + string(snapshot), nil
}

func draftPrompt(req DraftRequest) (string, error) {
	snapshot, err := json.Marshal(map[string]any{
		"case":     caseSnapshot(req.Case),
		"analysis": req.Analysis,
	})
	if err != nil {
		return "", fmt.Errorf("draft: encode snapshot: %w", err)
	}
	prompt := "Draft the next outbound message for this public-records case. " +
		"Action to draft: " + string(req.ActionType) + ". Respond by calling " + draftTool + "."
	if req.Instruction != "" {
		prompt += "\nOperator instruction: " + req.Instruction
	}
	return prompt + "\n\n" + string(snapshot), nil
}

// caseSnapshot strips the case to what the model needs; tokens and
// internal ids stay home.
func caseSnapshot(c *contracts.Case) map[string]any {
	if c == nil {
		return nil
	}
	return map[string]any{
		"status":       c.Status,
		"agency_name":  c.AgencyName,
		"subject":      c.Subject,
		"request_body": c.RequestBody,
		"scope_items":  c.ScopeItems,
		"constraints":  c.Constraints,
		"fee_quote":    c.FeeQuote,
		"deadline":     c.DeadlineDate,
	}
}

func messageSnapshot(m *contracts.Message) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"from":      m.From,
		"subject":   m.Subject,
		"body_text": m.BodyText,
		"received":  m.ReceivedAt,
	}
}

func threadSnapshot(thread []*contracts.Message) []map[string]any {
	out := make([]map[string]any, 0, len(thread))
	for _, m := range thread {
		out = append(out, map[string]any{
			"direction": m.Direction,
			"subject":   m.Subject,
			"body_text": m.BodyText,
		})
	}
	return out
}
