package loop

import (
	"context"

	"agentflow/internal/agent/ports"
)

const defaultToolCallingPrompt = "You are a helpful AI assistant."

// ToolCalling uses the model's native tool calls. A reply without tool calls
// is the final answer.
type ToolCalling struct {
	SystemPrompt string
	Temperature  float64
	// Stream sends the answer to the client token by token as the model
	// produces it.
	Stream bool
}

func (s *ToolCalling) Name() string { return "tool_calling" }

func (s *ToolCalling) StreamsContent() bool { return s.Stream }

func (s *ToolCalling) FormatScratchpad(_ context.Context, run *Run) (ports.CompletionRequest, error) {
	system := s.SystemPrompt
	if system == "" {
		system = defaultToolCallingPrompt
	}
	msgs := []ports.Message{ports.SystemMessage(system)}
	msgs = append(msgs, run.History...)
	msgs = append(msgs, ports.UserMessage(run.Input))
	msgs = append(msgs, toolCallingScratchpad(run.Steps)...)

	return ports.CompletionRequest{
		Messages:    msgs,
		Tools:       run.Tools,
		Temperature: s.Temperature,
	}, nil
}

// toolCallingScratchpad replays steps as assistant tool calls followed by
// their tool results. Steps of one iteration share an assistant message.
// Steps without a call id (parse or model failures) are replayed as plain
// text so the model still sees them.
func toolCallingScratchpad(steps []Step) []ports.Message {
	var msgs []ports.Message
	for i := 0; i < len(steps); {
		step := steps[i]
		if step.Action.Call.ID == "" {
			if step.Action.Log != "" {
				msgs = append(msgs, ports.AssistantMessage(step.Action.Log))
			}
			msgs = append(msgs, ports.UserMessage(step.Observation))
			i++
			continue
		}

		j := i
		assistant := ports.Message{Role: ports.RoleAssistant, Content: step.Action.Log}
		for j < len(steps) && steps[j].Iteration == step.Iteration && steps[j].Action.Call.ID != "" {
			assistant.ToolCalls = append(assistant.ToolCalls, steps[j].Action.Call)
			j++
		}
		msgs = append(msgs, assistant)
		for _, s := range steps[i:j] {
			msgs = append(msgs, ports.Message{
				Role:       ports.RoleTool,
				Content:    s.Observation,
				ToolCallID: s.Action.Call.ID,
				Name:       s.Action.Call.Name,
			})
		}
		i = j
	}
	return msgs
}

func (s *ToolCalling) ParseModelOutput(resp *ports.CompletionResponse) (Decision, error) {
	if len(resp.ToolCalls) == 0 {
		return Decision{Finish: true, Answer: resp.Content, Log: resp.Content}, nil
	}
	actions := make([]Action, 0, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		if call.ID == "" {
			return Decision{}, &ParseError{Output: resp.Content, Message: "tool call without id"}
		}
		log := ""
		if i == 0 {
			log = resp.Content
		}
		actions = append(actions, Action{Call: call, Log: log})
	}
	return Decision{Actions: actions, Log: resp.Content}, nil
}
