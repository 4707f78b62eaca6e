// Package llm holds the model clients used by the agent loop: an
// OpenAI-compatible chat client and the retry and rate limit wrappers that
// sit in front of it.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
	"agentflow/internal/tools"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  logging.Logger
	Metrics *observability.MetricsCollector
}

// OpenAIClient talks to the chat completions API.
type OpenAIClient struct {
	client  openai.Client
	model   string
	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// NewOpenAIClient builds a client. The SDK's own retries are disabled; wrap
// the client with NewRetryClient instead.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
	}, nil
}

func (c *OpenAIClient) Model() string { return c.model }

// Complete sends one chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req ports.CompletionRequest) (resp *ports.CompletionResponse, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanModelCall,
		attribute.String(observability.AttrModel, c.model))
	start := time.Now()
	defer func() {
		c.record(ctx, start, err)
		observability.EndSpan(span, err)
	}()

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	return translateCompletion(completion)
}

// StreamComplete streams content deltas to callbacks and returns the
// accumulated completion.
func (c *OpenAIClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (resp *ports.CompletionResponse, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanModelCall,
		attribute.String(observability.AttrModel, c.model))
	start := time.Now()
	defer func() {
		c.record(ctx, start, err)
		observability.EndSpan(span, err)
	}()

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if callbacks.OnContentDelta == nil || len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			callbacks.OnContentDelta(ports.ContentDelta{Delta: delta})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	if callbacks.OnContentDelta != nil {
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}
	return translateCompletion(&acc.ChatCompletion)
}

func (c *OpenAIClient) record(ctx context.Context, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.Warn("model %s call failed after %s: %v", c.model, time.Since(start).Round(time.Millisecond), err)
	}
	c.metrics.RecordModelCall(ctx, c.model, status, time.Since(start))
}

func (c *OpenAIClient) buildParams(req ports.CompletionRequest) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: encodeMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		encoded, err := encodeTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = encoded
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}
	return params, nil
}

func encodeMessages(msgs []ports.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case ports.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case ports.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case ports.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func encodeTools(defs []ports.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode tool %s schema: %w", def.Name, err)
		}
		var params map[string]any
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("encode tool %s schema: %w", def.Name, err)
		}
		if _, ok := params["properties"]; !ok {
			params["properties"] = map[string]any{}
		}
		if params["type"] == nil || params["type"] == "" {
			params["type"] = "object"
		}
		fn := openai.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: openai.FunctionParameters(params),
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}

func translateCompletion(completion *openai.ChatCompletion) (*ports.CompletionResponse, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("llm: response has no choices")
	}
	choice := completion.Choices[0]
	resp := &ports.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: ports.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args, err := tools.ParseArguments(call.Function.Arguments)
		if err != nil {
			// Keep the raw text so the loop can report the bad input back to the model.
			args = map[string]any{"input": call.Function.Arguments}
		}
		resp.ToolCalls = append(resp.ToolCalls, ports.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

// classifyError marks API errors transient or permanent by status code so
// the retry wrapper knows what to retry. Transport errors pass through and
// are classified by the retry helper itself.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return aferrors.FromHTTPStatus(apiErr.StatusCode, err)
	}
	return err
}
