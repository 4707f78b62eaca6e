package loop

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"agentflow/internal/agent/ports"
	"agentflow/internal/tools"
)

const (
	reactFinalAnswer = "Final Answer:"
	// ReactStopSequence keeps the model from inventing its own observations.
	ReactStopSequence = "\nObservation:"
)

var (
	reactActionPattern = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
	reactActionOnly    = regexp.MustCompile(`Action\s*\d*\s*:`)
)

const reactPromptTemplate = `Answer the following questions as best you can. You have access to the following tools:

{tools}

Use the following format:

Question: the input question you must answer
Thought: you should always think about what to do
Action: the action to take, should be one of [{tool_names}]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question

Begin!

Question: {input}
Thought:{agent_scratchpad}`

// ReAct parses free text in the Thought / Action / Action Input format.
type ReAct struct {
	// SystemPrompt is sent ahead of the ReAct instructions.
	SystemPrompt string
	Temperature  float64
}

func (s *ReAct) Name() string { return "react" }

func (s *ReAct) FormatScratchpad(_ context.Context, run *Run) (ports.CompletionRequest, error) {
	var descriptions []string
	for _, def := range run.Tools {
		descriptions = append(descriptions, def.Name+": "+def.Description)
	}

	var scratchpad strings.Builder
	for _, step := range run.Steps {
		scratchpad.WriteString(step.Action.Log)
		scratchpad.WriteString("\nObservation: ")
		scratchpad.WriteString(step.Observation)
		scratchpad.WriteString("\nThought:")
	}

	prompt := strings.NewReplacer(
		"{tools}", strings.Join(descriptions, "\n"),
		"{tool_names}", strings.Join(toolNames(run.Tools), ", "),
		"{input}", run.Input,
		"{agent_scratchpad}", scratchpad.String(),
	).Replace(reactPromptTemplate)

	var msgs []ports.Message
	if s.SystemPrompt != "" {
		msgs = append(msgs, ports.SystemMessage(s.SystemPrompt))
	}
	msgs = append(msgs, run.History...)
	msgs = append(msgs, ports.UserMessage(prompt))

	return ports.CompletionRequest{
		Messages:      msgs,
		Temperature:   s.Temperature,
		StopSequences: []string{ReactStopSequence},
	}, nil
}

func (s *ReAct) ParseModelOutput(resp *ports.CompletionResponse) (Decision, error) {
	text := resp.Content
	hasFinal := strings.Contains(text, reactFinalAnswer)
	match := reactActionPattern.FindStringSubmatch(text)

	switch {
	case match != nil && hasFinal:
		return Decision{}, &ParseError{Output: text, Message: "output contains both a final answer and an action"}
	case hasFinal:
		idx := strings.LastIndex(text, reactFinalAnswer)
		answer := strings.TrimSpace(text[idx+len(reactFinalAnswer):])
		return Decision{Finish: true, Answer: answer, Log: text}, nil
	case match == nil:
		if !reactActionOnly.MatchString(text) {
			return Decision{}, &ParseError{Output: text, Message: "missing 'Action:' after 'Thought:'"}
		}
		return Decision{}, &ParseError{Output: text, Message: "missing 'Action Input:' after 'Action:'"}
	}

	name := strings.Trim(strings.TrimSpace(match[1]), "`*")
	input := strings.TrimSpace(match[2])
	input = strings.TrimSuffix(input, ReactStopSequence)
	return Decision{
		Actions: []Action{{
			Call: ports.ToolCall{
				ID:        uuid.NewString(),
				Name:      name,
				Arguments: tools.ParseActionInput(input),
			},
			Log: text,
		}},
		Log: text,
	}, nil
}
