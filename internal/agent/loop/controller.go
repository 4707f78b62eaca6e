// Package loop runs agent workflows: a bounded state machine that screens
// the input, then alternates model calls with tool calls until the model
// answers or the iteration budget runs out. The loop variants (ReAct, tool
// calling, AutoGPT) only differ in how they format the model request and
// parse its reply.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/moderation"
	"agentflow/internal/observability"
	"agentflow/internal/security/pathguard"
	"agentflow/internal/stream"
	"agentflow/internal/tools"
)

// DefaultMaxModelFailures is how many model calls in a row may fail before
// the run is given up.
const DefaultMaxModelFailures = 3

// Config tunes the controller.
type Config struct {
	// MaxIterations caps reasoning cycles per run. Zero means unbounded.
	MaxIterations       int
	HandleParsingErrors ParsingErrorPolicy
	// ModelCallTimeout bounds every model call. Zero leaves it to the client.
	ModelCallTimeout time.Duration
	MaxModelFailures int
	// Debug logs every prompt, action and observation.
	Debug bool
}

// Controller runs agent workflows. It is safe for concurrent use; all run
// state lives in a per-run runtime.
type Controller struct {
	model   ports.LLMClient
	invoker *tools.Invoker
	gate    *moderation.Gate
	history ports.HistoryStore
	config  Config
	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// Option configures a Controller.
type Option func(*Controller)

func WithHistory(store ports.HistoryStore) Option {
	return func(c *Controller) { c.history = store }
}

func WithGate(gate *moderation.Gate) Option {
	return func(c *Controller) { c.gate = gate }
}

func WithInvoker(inv *tools.Invoker) Option {
	return func(c *Controller) { c.invoker = inv }
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(logger) }
}

func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(c *Controller) { c.metrics = metrics }
}

// NewController creates a controller using model for every run that does not
// bring its own.
func NewController(model ports.LLMClient, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		model:  model,
		config: cfg,
		logger: logging.NewComponentLogger("agent-loop"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate == nil {
		c.gate = moderation.NewGate(c.logger, c.metrics)
	}
	if c.invoker == nil {
		c.invoker = tools.NewInvoker(c.logger, c.metrics)
	}
	if c.config.MaxModelFailures <= 0 {
		c.config.MaxModelFailures = DefaultMaxModelFailures
	}
	return c
}

// RunRequest is one workflow execution.
type RunRequest struct {
	Input string
	// Goals defaults to Input.
	Goals     []string
	FlowID    string
	SessionID string
	ChatID    string
	// CallChain lists the flows already running above this one.
	CallChain []string

	Strategy Strategy
	Tools    *tools.Registry
	Rules    []moderation.Rule
	Emitter  stream.Emitter
	Model    ports.LLMClient

	// MaxIterations overrides Config.MaxIterations when positive. A
	// negative value makes the run unbounded.
	MaxIterations int
	// ParsingErrors overrides Config.HandleParsingErrors when set.
	ParsingErrors *ParsingErrorPolicy
}

// Run executes req. The returned error is non-nil only for invalid requests
// and for runs that end Failed for a reason other than moderation; in the
// latter case the Result is returned as well.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	return newRuntime(ctx, c, req).execute()
}

func (c *Controller) validate(req RunRequest) error {
	if strings.TrimSpace(req.Input) == "" && len(req.Goals) == 0 {
		return aferrors.NewInvalidFormat("question", "input is required")
	}
	if req.Strategy == nil {
		return errors.New("loop: strategy is required")
	}
	if req.Model == nil && c.model == nil {
		return errors.New("loop: no model configured")
	}
	if req.FlowID != "" {
		if err := pathguard.ValidateFlowID(req.FlowID); err != nil {
			return err
		}
	}
	return nil
}

// runtime is the state of a single run.
type runtime struct {
	c        *Controller
	ctx      context.Context
	req      RunRequest
	model    ports.LLMClient
	strategy Strategy
	registry *tools.Registry
	maxIter  int
	policy   ParsingErrorPolicy

	run      *Run
	result   *Result
	out      *answerStream
	failures int
	logger   logging.Logger
}

func newRuntime(ctx context.Context, c *Controller, req RunRequest) *runtime {
	model := req.Model
	if model == nil {
		model = c.model
	}
	maxIter := c.config.MaxIterations
	switch {
	case req.MaxIterations > 0:
		maxIter = req.MaxIterations
	case req.MaxIterations < 0:
		maxIter = 0
	}

	policy := c.config.HandleParsingErrors
	if req.ParsingErrors != nil {
		policy = *req.ParsingErrors
	}

	run := &Run{
		ID:        uuid.NewString(),
		FlowID:    req.FlowID,
		SessionID: req.SessionID,
		ChatID:    req.ChatID,
		Input:     req.Input,
		Goals:     append([]string(nil), req.Goals...),
	}
	if run.ChatID == "" {
		run.ChatID = uuid.NewString()
	}
	if run.SessionID == "" {
		run.SessionID = run.ChatID
	}
	if req.Tools != nil {
		run.Tools = req.Tools.List()
	}

	return &runtime{
		c:        c,
		ctx:      ctx,
		req:      req,
		model:    model,
		strategy: req.Strategy,
		registry: req.Tools,
		maxIter:  maxIter,
		policy:   policy,
		run:      run,
		result: &Result{
			RunID:     run.ID,
			SessionID: run.SessionID,
			ChatID:    run.ChatID,
			Status:    StatusRunning,
		},
		out:    &answerStream{emitter: stream.OrNop(req.Emitter), chatID: run.ChatID},
		logger: c.logger,
	}
}

func (r *runtime) execute() (res *Result, err error) {
	ctx := observability.ContextWithRunID(r.ctx, r.run.ID)
	ctx = observability.ContextWithSessionID(ctx, r.run.SessionID)
	ctx = ports.WithRunInfo(ctx, ports.RunInfo{
		RunID:     r.run.ID,
		FlowID:    r.run.FlowID,
		SessionID: r.run.SessionID,
		ChatID:    r.run.ChatID,
		Input:     r.run.Input,
		CallChain: append([]string(nil), r.req.CallChain...),
	})
	ctx, span := observability.StartSpan(ctx, observability.SpanAgentRun,
		attribute.String(observability.AttrFlowID, r.run.FlowID),
		attribute.String(observability.AttrStrategy, r.strategy.Name()))
	r.ctx = ctx

	r.c.metrics.RunStarted(ctx)
	defer func() {
		span.SetAttributes(
			attribute.String(observability.AttrStatus, string(r.result.Status)),
			attribute.Int(observability.AttrIteration, r.run.Iterations))
		observability.EndSpan(span, err)
		r.c.metrics.RunFinished(ctx, r.strategy.Name(), string(r.result.Status), r.run.Iterations)
	}()

	r.loadHistory()

	input, err := r.c.gate.CheckInputs(ctx, r.req.Rules, r.run.Input)
	if err != nil {
		if aferrors.IsModerationViolation(err) {
			return r.fail(moderation.FormatResponse(err).Text, nil)
		}
		return r.fail("", fmt.Errorf("moderation: %w", err))
	}
	r.run.Input = input
	if len(r.run.Goals) == 0 {
		r.run.Goals = []string{input}
	}

	for r.maxIter <= 0 || r.run.Iterations < r.maxIter {
		if r.ctx.Err() != nil {
			return r.abort()
		}
		r.run.Iterations++
		r.logger.Debug("run %s iteration %d/%d", r.run.ID, r.run.Iterations, r.maxIter)

		outcome := r.iterate()
		switch outcome.Kind {
		case Terminal:
			return r.finish(outcome.Answer)
		case Fatal:
			if r.ctx.Err() != nil {
				return r.abort()
			}
			return r.fail("", outcome.Err)
		}
	}
	return r.abort()
}

func (r *runtime) loadHistory() {
	if r.c.history == nil {
		return
	}
	msgs, err := r.c.history.Load(r.ctx, r.run.SessionID)
	if err != nil {
		r.logger.Warn("load history for session %s: %v", r.run.SessionID, err)
		return
	}
	r.run.History = msgs
}

func (r *runtime) iterate() StepOutcome {
	ctx, span := observability.StartSpan(r.ctx, observability.SpanLoopIteration,
		attribute.Int(observability.AttrIteration, r.run.Iterations))
	outcome := r.step(ctx)
	observability.EndSpan(span, outcome.Err)
	return outcome
}

func (r *runtime) step(ctx context.Context) StepOutcome {
	decision, outcome, ok := r.reason(ctx)
	if !ok {
		return outcome
	}
	if decision.Finish || len(decision.Actions) == 0 {
		answer := decision.Answer
		if !decision.Finish {
			answer = decision.Log
		}
		return TerminalWith(answer)
	}
	for _, action := range decision.Actions {
		r.debug("action %s %v", action.Call.Name, action.Call.Arguments)
		outcome := r.act(ctx, action)
		if outcome.Kind != Continue {
			return outcome
		}
	}
	return ContinueWith("")
}

// reason asks the model for the next decision. When ok is false the step is
// over and outcome says how.
func (r *runtime) reason(ctx context.Context) (Decision, StepOutcome, bool) {
	req, err := r.strategy.FormatScratchpad(ctx, r.run)
	if err != nil {
		return Decision{}, FatalWith(fmt.Errorf("format prompt: %w", err)), false
	}
	if r.c.config.Debug {
		for _, msg := range req.Messages {
			r.debug("prompt %s: %s", msg.Role, msg.Content)
		}
	}

	resp, err := r.callModel(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, FatalWith(ctx.Err()), false
		}
		r.failures++
		r.logger.Warn("run %s: model call failed (%d/%d): %v", r.run.ID, r.failures, r.c.config.MaxModelFailures, err)
		if r.failures >= r.c.config.MaxModelFailures {
			return Decision{}, FatalWith(fmt.Errorf("model failed %d times in a row: %w", r.failures, err)), false
		}
		r.record(Step{
			Iteration:   r.run.Iterations,
			Action:      Action{Call: ports.ToolCall{Name: exceptionTool}},
			Observation: "Error: " + err.Error(),
		})
		return Decision{}, ContinueWith(""), false
	}
	r.failures = 0
	r.addUsage(resp.Usage)

	decision, err := r.strategy.ParseModelOutput(resp)
	if err == nil {
		return decision, StepOutcome{}, true
	}

	var perr *ParseError
	observation := ""
	switch {
	case errors.As(err, &perr) && perr.Observation != "":
		observation = perr.Observation
	case r.policy.Enabled:
		observation = r.policy.outputObservation()
	default:
		observation = err.Error()
	}
	r.logger.Warn("run %s: %v", r.run.ID, err)
	r.record(Step{
		Iteration:   r.run.Iterations,
		Action:      Action{Call: ports.ToolCall{Name: exceptionTool}, Log: resp.Content},
		Observation: observation,
	})
	return Decision{}, ContinueWith(observation), false
}

func (r *runtime) callModel(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if r.c.config.ModelCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.c.config.ModelCallTimeout)
		defer cancel()
	}
	r.out.streamed = false

	streaming, ok := r.model.(ports.StreamingLLMClient)
	if !ok || !streamsContent(r.strategy) {
		return r.model.Complete(ctx, req)
	}
	return streaming.StreamComplete(ctx, req, ports.CompletionStreamCallbacks{
		OnContentDelta: func(delta ports.ContentDelta) {
			if delta.Delta != "" {
				r.out.token(delta.Delta)
				r.out.streamed = true
			}
		},
	})
}

// act runs one action. Anything that goes wrong with the tool becomes the
// observation; only cancellation and strategy hooks can stop the run here.
func (r *runtime) act(ctx context.Context, action Action) StepOutcome {
	step := Step{Iteration: r.run.Iterations, Action: action}
	r.out.streamed = false

	tool, ok := r.registry.Get(action.Call.Name)
	if !ok {
		step.Observation = unknownToolObservation(r.strategy, action.Call.Name, toolNames(r.run.Tools))
		return r.observe(ctx, step, false)
	}

	result, err := r.c.invoker.Invoke(ctx, tool, action.Call)
	if err != nil {
		if ctx.Err() != nil {
			return FatalWith(ctx.Err())
		}
		step.Observation = r.toolErrorObservation(err)
		return r.observe(ctx, step, false)
	}

	def := tool.Definition()
	step.Observation = result.Content
	r.result.SourceDocuments = append(r.result.SourceDocuments, result.Documents...)
	r.result.UsedTools = append(r.result.UsedTools, ports.UsedTool{
		Tool:       def.Name,
		ToolInput:  action.Call.Arguments,
		ToolOutput: result.Content,
	})
	return r.observe(ctx, step, def.ReturnDirect)
}

func (r *runtime) observe(ctx context.Context, step Step, returnDirect bool) StepOutcome {
	if observer, ok := r.strategy.(StepObserver); ok {
		outcome := observer.ObserveStep(ctx, r.run, step)
		switch outcome.Kind {
		case Terminal, Fatal:
			r.record(step)
			return outcome
		}
		if outcome.Observation != "" {
			step.Observation = outcome.Observation
		}
	}
	r.record(step)
	if returnDirect {
		return TerminalWith(step.Observation)
	}
	return ContinueWith(step.Observation)
}

func (r *runtime) toolErrorObservation(err error) string {
	te, ok := aferrors.AsToolError(err)
	if !ok {
		return "Error in args: " + err.Error()
	}
	if te.Kind == aferrors.ToolErrorInput && r.policy.Enabled {
		return r.policy.inputObservation()
	}
	detail := te.Detail
	if detail == "" && te.Err != nil {
		detail = te.Err.Error()
	}
	return "Error in args: " + detail
}

func (r *runtime) record(step Step) {
	r.debug("observation %s: %s", step.Action.Call.Name, step.Observation)
	r.run.Steps = append(r.run.Steps, step)
}

func (r *runtime) addUsage(u ports.TokenUsage) {
	r.result.Usage.PromptTokens += u.PromptTokens
	r.result.Usage.CompletionTokens += u.CompletionTokens
	r.result.Usage.TotalTokens += u.TotalTokens
}

func (r *runtime) debug(format string, args ...any) {
	if r.c.config.Debug {
		r.logger.Info("[debug] run %s: "+format, append([]any{r.run.ID}, args...)...)
	}
}

func (r *runtime) finish(answer string) (*Result, error) {
	r.result.Status = StatusFinished
	return r.complete(answer, r.out.streamed), nil
}

func (r *runtime) abort() (*Result, error) {
	r.logger.Info("run %s stopped after %d iterations", r.run.ID, r.run.Iterations)
	r.result.Status = StatusAborted
	return r.complete(partialAnswer(r.run.Steps), false), nil
}

// fail ends the run Failed. answer is what the user sees; err, when set, is
// returned to the caller alongside the result.
func (r *runtime) fail(answer string, err error) (*Result, error) {
	if err != nil {
		r.logger.Error("run %s failed: %v", r.run.ID, err)
	}
	r.result.Status = StatusFailed
	return r.complete(answer, false), err
}

func (r *runtime) complete(answer string, alreadyStreamed bool) *Result {
	r.result.Answer = answer
	r.result.Iterations = r.run.Iterations
	r.result.Steps = r.run.Steps

	if !alreadyStreamed {
		r.out.text(answer)
	}
	r.out.close(r.result.SourceDocuments, r.result.UsedTools)
	r.persist(answer)
	return r.result
}

func (r *runtime) persist(answer string) {
	if r.c.history == nil || answer == "" {
		return
	}
	ctx := context.WithoutCancel(r.ctx)
	if err := r.c.history.Append(ctx, r.run.SessionID,
		ports.UserMessage(r.req.Input), ports.AssistantMessage(answer)); err != nil {
		r.logger.Warn("append history for session %s: %v", r.run.SessionID, err)
	}
}

// partialAnswer is the answer of a run that did not finish: the stopped
// notice followed by what the tools observed.
func partialAnswer(steps []Step) string {
	var observations []string
	for _, step := range steps {
		if step.Action.Call.Name == exceptionTool {
			continue
		}
		if obs := strings.TrimSpace(step.Observation); obs != "" {
			observations = append(observations, obs)
		}
	}
	if len(observations) == 0 {
		return StoppedMessage
	}
	var b strings.Builder
	b.WriteString(StoppedMessage)
	b.WriteString("\n\nPartial results:")
	for _, obs := range observations {
		b.WriteString("\n- ")
		b.WriteString(obs)
	}
	return b.String()
}

// answerStream sends one start, the answer tokens, and one end per run.
type answerStream struct {
	emitter  stream.Emitter
	chatID   string
	started  bool
	streamed bool
}

func (s *answerStream) token(tok string) {
	if !s.started {
		s.emitter.Start(s.chatID, tok)
		s.started = true
	}
	s.emitter.Token(s.chatID, tok)
}

func (s *answerStream) text(text string) {
	for _, part := range stream.SplitTokens(text) {
		s.token(part)
	}
}

func (s *answerStream) close(docs []ports.Document, used []ports.UsedTool) {
	if !s.started {
		s.emitter.Start(s.chatID, "")
		s.started = true
	}
	if len(docs) > 0 {
		s.emitter.SourceDocuments(s.chatID, docs)
	}
	if len(used) > 0 {
		s.emitter.UsedTools(s.chatID, used)
	}
	s.emitter.End(s.chatID)
}
