package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/foie0222/mynion/internal/dispatch"
	"github.com/foie0222/mynion/internal/observability"
	"github.com/foie0222/mynion/internal/toolcall"
)

// DefaultMaxToolRounds bounds tool-use iterations within a single turn.
const DefaultMaxToolRounds = 8

const defaultSystemPrompt = "You are a helpful assistant operating inside Slack. " +
	"Keep answers concise and use Slack-friendly formatting. " +
	"Use the available tools when the user's request needs external data."

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	// Provider is the LLM backend. Required.
	Provider Provider

	// Injector routes tool calls through credential injection. Required
	// when Tools is non-empty.
	Injector *toolcall.Injector

	// Tools are the remote tools offered to the model.
	Tools []ToolDef

	// System overrides the default system prompt.
	System string

	// Model overrides the provider's default model.
	Model string

	// MaxToolRounds overrides DefaultMaxToolRounds when positive.
	MaxToolRounds int

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Runtime drives one conversational turn: model call, tool execution through
// the injector, and repeat until the model produces a final answer.
//
// When any tool call reports that the user has not authorized the backing
// resource, the turn short-circuits: the authorization URL is the answer, and
// the model is not consulted again until the user asks after authorizing.
type Runtime struct {
	provider      Provider
	injector      *toolcall.Injector
	tools         []ToolDef
	system        string
	model         string
	maxToolRounds int
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewRuntime creates an agent runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if len(cfg.Tools) > 0 && cfg.Injector == nil {
		return nil, fmt.Errorf("injector is required when tools are offered")
	}
	system := cfg.System
	if system == "" {
		system = defaultSystemPrompt
	}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	return &Runtime{
		provider:      cfg.Provider,
		injector:      cfg.Injector,
		tools:         cfg.Tools,
		system:        system,
		model:         cfg.Model,
		maxToolRounds: rounds,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Respond runs one agent turn for an envelope.
func (r *Runtime) Respond(ctx context.Context, env dispatch.Envelope, prompt string) (dispatch.Reply, error) {
	if prompt == "" {
		return dispatch.Reply{Text: "How can I help?"}, nil
	}

	messages := []Message{{Role: "user", Content: prompt}}

	for round := 0; round < r.maxToolRounds; round++ {
		completion, err := r.provider.Complete(ctx, &CompletionRequest{
			Model:    r.model,
			System:   r.system,
			Messages: messages,
			Tools:    r.tools,
		})
		if err != nil {
			return dispatch.Reply{}, fmt.Errorf("model call: %w", err)
		}

		if len(completion.ToolCalls) == 0 {
			return dispatch.Reply{Text: completion.Text}, nil
		}

		results := make([]ToolResult, 0, len(completion.ToolCalls))
		for _, call := range completion.ToolCalls {
			result, err := r.executeTool(ctx, env, call)
			if err != nil {
				return dispatch.Reply{}, err
			}
			if result.AuthRequired {
				r.logger.Info(ctx, "turn paused for authorization",
					"session_id", env.SessionID, "tool", call.Name,
				)
				return dispatch.Reply{
					AuthRequired:     true,
					AuthorizationURL: result.AuthorizationURL,
				}, nil
			}
			results = append(results, ToolResult{
				ToolCallID: call.ID,
				Content:    result.Content,
			})
		}

		messages = append(messages,
			Message{Role: "assistant", Content: completion.Text, ToolCalls: completion.ToolCalls},
			Message{Role: "user", ToolResults: results},
		)
	}

	return dispatch.Reply{}, fmt.Errorf("turn exceeded %d tool rounds", r.maxToolRounds)
}

// executeTool runs one tool call through the injector. Tool failures are fed
// back to the model as error results rather than aborting the turn.
func (r *Runtime) executeTool(ctx context.Context, env dispatch.Envelope, call ToolCall) (toolcall.Result, error) {
	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return toolcall.Result{
				Content: fmt.Sprintf("invalid tool arguments: %v", err),
			}, nil
		}
	}

	result, err := r.injector.Call(ctx, env.OwnerIdentity, toolcall.Request{
		Tool:      call.Name,
		Arguments: args,
		SessionID: env.SessionID,
	})
	if err != nil {
		r.logger.Warn(ctx, "tool call failed",
			"session_id", env.SessionID, "tool", call.Name, "error", err,
		)
		return toolcall.Result{
			Content: fmt.Sprintf("tool %s failed: %v", call.Name, err),
		}, nil
	}
	return result, nil
}
