// Package app turns prediction requests into agent runs. It resolves the
// flow, assembles its strategy, tools and moderation rules, and hands the
// run to the loop controller.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/agent/loop"
	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/flows"
	"agentflow/internal/infra/filestore"
	"agentflow/internal/logging"
	"agentflow/internal/moderation"
	"agentflow/internal/stream"
	"agentflow/internal/tools"
)

// ErrHumanInputUnavailable is returned for flows that need an operator when
// the service has no input provider.
var ErrHumanInputUnavailable = errors.New("human input is not available on this server")

// OverrideConfig carries per-request settings.
type OverrideConfig struct {
	SessionID string   `json:"sessionId,omitempty"`
	CallChain []string `json:"callChain,omitempty"`
}

// PredictionRequest is the body of a prediction call.
type PredictionRequest struct {
	Question       string         `json:"question"`
	ChatID         string         `json:"chatId,omitempty"`
	OverrideConfig OverrideConfig `json:"overrideConfig"`
	Streaming      bool           `json:"streaming,omitempty"`
}

// PredictionResponse is the answer to a prediction call.
type PredictionResponse struct {
	Text            string           `json:"text"`
	ChatID          string           `json:"chatId"`
	SessionID       string           `json:"sessionId"`
	Status          loop.Status      `json:"status"`
	UsedTools       []ports.UsedTool `json:"usedTools,omitempty"`
	SourceDocuments []ports.Document `json:"sourceDocuments,omitempty"`
}

// MemoryFactory opens the vector memory for a collection.
type MemoryFactory func(collection string) (ports.VectorMemory, error)

// Config holds the service dependencies. Flows and Controller are required.
type Config struct {
	Flows      *flows.Registry
	Controller *loop.Controller

	// Model backs the model-assisted denylist check. Optional.
	Model       ports.LLMClient
	Classifier  moderation.Classifier
	Broadcaster *stream.Broadcaster
	Sandbox     tools.ScriptRunner
	FileStore   *filestore.Store
	Memory      MemoryFactory
	// Input answers human tools and AutoGPT feedback. Servers leave it nil.
	Input tools.InputProvider

	FlowToolTimeout time.Duration
	Logger          logging.Logger
}

// Service runs predictions.
type Service struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	memories map[string]ports.VectorMemory
}

// NewService validates cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Flows == nil {
		return nil, errors.New("app: flow registry is required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("app: controller is required")
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("prediction")
	}
	return &Service{cfg: cfg, logger: logger, memories: make(map[string]ports.VectorMemory)}, nil
}

// Flows returns the registry the service serves.
func (s *Service) Flows() *flows.Registry { return s.cfg.Flows }

// Predict runs the flow on req.Question. Moderation violations are not
// errors: they come back as a Failed response carrying the violation text.
func (s *Service) Predict(ctx context.Context, flowID string, req PredictionRequest) (*PredictionResponse, error) {
	flow, err := s.cfg.Flows.Get(flowID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, aferrors.NewInvalidFormat("question", "question is required")
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	sessionID := req.OverrideConfig.SessionID
	if sessionID == "" {
		sessionID = chatID
	}

	run, err := s.buildRun(flow)
	if err != nil {
		s.endStream(req, chatID, err)
		return nil, err
	}
	run.Input = req.Question
	run.FlowID = flow.ID
	run.ChatID = chatID
	run.SessionID = sessionID
	run.CallChain = req.OverrideConfig.CallChain
	if req.Streaming && s.cfg.Broadcaster != nil {
		run.Emitter = s.cfg.Broadcaster
	}

	s.logger.Info("prediction flow=%s chat=%s strategy=%s tools=%d", flow.ID, chatID, flow.Strategy, run.Tools.Len())
	res, err := s.cfg.Controller.Run(ctx, run)
	if res == nil {
		s.endStream(req, chatID, err)
		return nil, err
	}
	resp := &PredictionResponse{
		Text:            res.Answer,
		ChatID:          res.ChatID,
		SessionID:       res.SessionID,
		Status:          res.Status,
		UsedTools:       res.UsedTools,
		SourceDocuments: res.SourceDocuments,
	}
	return resp, err
}

// endStream closes the stream of a request that failed before the run
// could emit anything, so subscribers are not left waiting.
func (s *Service) endStream(req PredictionRequest, chatID string, err error) {
	if !req.Streaming || s.cfg.Broadcaster == nil || err == nil {
		return
	}
	stream.Text(s.cfg.Broadcaster, chatID, err.Error())
}

// buildRun assembles everything a flow needs except the per-request ids.
func (s *Service) buildRun(flow flows.Flow) (loop.RunRequest, error) {
	strategy, err := s.buildStrategy(flow)
	if err != nil {
		return loop.RunRequest{}, err
	}
	registry, err := s.buildTools(flow)
	if err != nil {
		return loop.RunRequest{}, err
	}
	req := loop.RunRequest{
		Strategy:      strategy,
		Tools:         registry,
		Rules:         s.buildRules(flow.Moderation),
		MaxIterations: flow.MaxIterations,
	}
	if p := flow.HandleParsingErrors; p.Enabled {
		policy := loop.ParsingErrorPolicy{Enabled: true, Message: p.Message}
		req.ParsingErrors = &policy
	}
	return req, nil
}

func (s *Service) buildStrategy(flow flows.Flow) (loop.Strategy, error) {
	switch flow.Strategy {
	case flows.StrategyReAct:
		return &loop.ReAct{SystemPrompt: flow.SystemPrompt, Temperature: flow.Temperature}, nil
	case flows.StrategyToolCalling:
		return &loop.ToolCalling{SystemPrompt: flow.SystemPrompt, Temperature: flow.Temperature, Stream: flow.Streaming}, nil
	case flows.StrategyAutoGPT:
		strategy := &loop.AutoGPT{
			AIName:        flow.AutoGPT.AIName,
			AIRole:        flow.AutoGPT.AIRole,
			MemoryResults: flow.AutoGPT.MemoryResults,
			Temperature:   flow.Temperature,
			Logger:        s.logger,
		}
		if flow.AutoGPT.Memory {
			mem, err := s.memory(flow.ID)
			if err != nil {
				return nil, err
			}
			strategy.Memory = mem
		}
		if flow.AutoGPT.HumanFeedback {
			if s.cfg.Input == nil {
				return nil, ErrHumanInputUnavailable
			}
			strategy.Feedback = s.cfg.Input
		}
		return strategy, nil
	}
	return nil, aferrors.NewInvalidFormat("strategy", "unknown strategy %q", flow.Strategy)
}

func (s *Service) buildTools(flow flows.Flow) (*tools.Registry, error) {
	registry, _ := tools.NewRegistry()
	for _, def := range flow.Tools {
		tool, err := s.buildTool(flow, def)
		if err != nil {
			return nil, fmt.Errorf("flow %s tool %s: %w", flow.ID, def.Type, err)
		}
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (s *Service) buildTool(flow flows.Flow, def flows.Tool) (ports.ToolExecutor, error) {
	switch def.Type {
	case flows.ToolFlow:
		if s.cfg.Sandbox == nil {
			return nil, errors.New("sandbox is not configured")
		}
		return tools.NewFlowTool(tools.FlowToolConfig{
			Name:                def.Name,
			Description:         def.Description,
			TargetFlowID:        def.FlowID,
			CurrentFlowID:       flow.ID,
			BaseURL:             def.BaseURL,
			APIKey:              def.APIKey,
			StartNewSession:     def.StartNewSession,
			UseQuestionFromChat: def.UseQuestionFromChat,
			CustomInput:         def.CustomInput,
			ReturnDirect:        def.ReturnDirect,
			OverrideConfig:      def.OverrideConfig,
			Timeout:             s.cfg.FlowToolTimeout,
		}, s.cfg.Sandbox, s.logger)
	case flows.ToolReadFile, flows.ToolWriteFile:
		if s.cfg.FileStore == nil {
			return nil, errors.New("file store is not configured")
		}
		if def.Type == flows.ToolReadFile {
			return tools.NewReadFileTool(s.cfg.FileStore), nil
		}
		return tools.NewWriteFileTool(s.cfg.FileStore), nil
	case flows.ToolRetriever:
		mem, err := s.memory(flow.ID)
		if err != nil {
			return nil, err
		}
		return tools.NewRetrieverTool(def.Name, def.Description, mem, def.TopK), nil
	case flows.ToolHuman:
		if s.cfg.Input == nil {
			return nil, ErrHumanInputUnavailable
		}
		return tools.NewHumanTool(s.cfg.Input), nil
	}
	return nil, aferrors.NewInvalidFormat("type", "unknown tool type %q", def.Type)
}

func (s *Service) buildRules(m flows.Moderation) []moderation.Rule {
	var rules []moderation.Rule
	if strings.TrimSpace(m.Denylist) != "" {
		var model ports.LLMClient
		if m.UseModel {
			model = s.cfg.Model
		}
		rules = append(rules, moderation.NewDenylistRule(m.Denylist, m.DenylistMessage, model))
	}
	if m.OpenAIPolicy {
		if s.cfg.Classifier == nil {
			s.logger.Warn("policy moderation requested but no classifier is configured")
		} else {
			rules = append(rules, moderation.NewPolicyRule(s.cfg.Classifier, m.PolicyMessage, m.ThrowError))
		}
	}
	return rules
}

// memory returns the flow's vector memory, opening it once.
func (s *Service) memory(flowID string) (ports.VectorMemory, error) {
	if s.cfg.Memory == nil {
		return nil, errors.New("vector memory is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mem, ok := s.memories[flowID]; ok {
		return mem, nil
	}
	mem, err := s.cfg.Memory("flow-" + flowID)
	if err != nil {
		return nil, fmt.Errorf("open memory for flow %s: %w", flowID, err)
	}
	s.memories[flowID] = mem
	return mem, nil
}
