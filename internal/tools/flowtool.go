package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/sandbox"
	"agentflow/internal/security/pathguard"
)

// FlowToolHeader marks requests that come from another flow.
const FlowToolHeader = "agentflow-tool"

const selfInvocationMessage = "Cannot call the same agentflow!"

// predictionScript is the only code a flow tool ever runs. url, headers and
// body arrive as bindings.
const predictionScript = `(function () {
  var res = fetch(url, { method: 'POST', headers: headers, body: body });
  if (!res.ok) {
    throw new Error('HTTP ' + res.status + ': ' + res.text());
  }
  var data = res.json();
  if (data === null || data === undefined || data.text === undefined || data.text === null) {
    return '';
  }
  return typeof data.text === 'string' ? data.text : JSON.stringify(data.text);
})()`

// ScriptRunner executes a sandboxed script.
type ScriptRunner interface {
	Execute(ctx context.Context, req sandbox.Request) (any, error)
}

// FlowToolConfig describes a flow exposed as a tool.
type FlowToolConfig struct {
	Name        string
	Description string

	TargetFlowID  string
	CurrentFlowID string
	BaseURL       string
	APIKey        string

	// StartNewSession gives every call fresh chat and session ids; otherwise
	// the parent run's ids are reused.
	StartNewSession bool
	// UseQuestionFromChat sends the parent run's user input instead of the
	// model's tool input. CustomInput, when set, overrides the model input.
	UseQuestionFromChat bool
	CustomInput         string

	ReturnDirect   bool
	OverrideConfig map[string]any
	Timeout        time.Duration
}

// FlowTool invokes another flow through its prediction endpoint.
type FlowTool struct {
	cfg    FlowToolConfig
	runner ScriptRunner
	logger logging.Logger
}

// NewFlowTool validates cfg. Construction fails for a malformed flow id or
// base URL, and for a flow that targets itself.
func NewFlowTool(cfg FlowToolConfig, runner ScriptRunner, logger logging.Logger) (*FlowTool, error) {
	if err := pathguard.ValidateFlowID(cfg.TargetFlowID); err != nil {
		return nil, err
	}
	if err := pathguard.ValidateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.CurrentFlowID != "" && strings.EqualFold(cfg.TargetFlowID, cfg.CurrentFlowID) {
		return nil, aferrors.NewOutOfScope("flowId", selfInvocationMessage)
	}
	if runner == nil {
		return nil, fmt.Errorf("flow tool %s: script runner is required", cfg.Name)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "flow_" + strings.ReplaceAll(cfg.TargetFlowID[:8], "-", "")
	}
	if strings.TrimSpace(cfg.Description) == "" {
		cfg.Description = "Runs another agent flow and returns its answer."
	}
	return &FlowTool{cfg: cfg, runner: runner, logger: logging.OrNop(logger)}, nil
}

func (t *FlowTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:         t.cfg.Name,
		Description:  t.cfg.Description,
		Parameters:   ports.SingleInputSchema("input question"),
		ReturnDirect: t.cfg.ReturnDirect,
	}
}

// PredictionURL returns the endpoint the tool posts to.
func (t *FlowTool) PredictionURL() string {
	return strings.TrimRight(t.cfg.BaseURL, "/") + "/api/v1/prediction/" + t.cfg.TargetFlowID
}

// Execute calls the target flow. HTTP failures yield an empty observation
// and a logged error; call cycles are rejected before any request is made.
func (t *FlowTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	info, _ := ports.RunInfoFromContext(ctx)

	chain := callChain(info, t.cfg.CurrentFlowID)
	if slices.ContainsFunc(chain, func(id string) bool { return strings.EqualFold(id, t.cfg.TargetFlowID) }) {
		return nil, &aferrors.ToolError{
			Tool:   t.cfg.Name,
			Kind:   aferrors.ToolErrorExecution,
			Detail: fmt.Sprintf("%s Flow %s is already running in this call chain.", selfInvocationMessage, t.cfg.TargetFlowID),
		}
	}

	question := StringArg(call.Arguments, "input")
	switch {
	case t.cfg.UseQuestionFromChat && info.Input != "":
		question = info.Input
	case t.cfg.CustomInput != "":
		question = t.cfg.CustomInput
	}

	chatID, sessionID := info.ChatID, info.SessionID
	if t.cfg.StartNewSession || chatID == "" {
		chatID = uuid.NewString()
	}
	if t.cfg.StartNewSession || sessionID == "" {
		sessionID = uuid.NewString()
	}

	override := make(map[string]any, len(t.cfg.OverrideConfig)+2)
	for k, v := range t.cfg.OverrideConfig {
		override[k] = v
	}
	override["sessionId"] = sessionID
	override["callChain"] = chain

	body, err := json.Marshal(map[string]any{
		"question":       question,
		"chatId":         chatID,
		"overrideConfig": override,
	})
	if err != nil {
		return nil, &aferrors.ToolError{Tool: t.cfg.Name, Kind: aferrors.ToolErrorExecution, Err: err}
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		FlowToolHeader: "true",
	}
	if t.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + t.cfg.APIKey
	}

	out, err := t.runner.Execute(ctx, sandbox.Request{
		Script: predictionScript,
		Bindings: map[string]any{
			"url":     t.PredictionURL(),
			"headers": headers,
			"body":    string(body),
		},
		Timeout: t.cfg.Timeout,
	})
	if err != nil {
		t.logger.Error("flow tool %s: call to flow %s failed: %v", t.cfg.Name, t.cfg.TargetFlowID, err)
		return &ports.ToolResult{CallID: call.ID, Content: ""}, nil
	}

	text, _ := out.(string)
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: text,
		Metadata: map[string]any{
			"flowId":    t.cfg.TargetFlowID,
			"chatId":    chatID,
			"sessionId": sessionID,
		},
	}, nil
}

// callChain returns the flows already running above this call, ending with
// the current one.
func callChain(info ports.RunInfo, currentFlowID string) []string {
	chain := append([]string{}, info.CallChain...)
	current := info.FlowID
	if current == "" {
		current = currentFlowID
	}
	if current != "" && !slices.Contains(chain, current) {
		chain = append(chain, current)
	}
	return chain
}
