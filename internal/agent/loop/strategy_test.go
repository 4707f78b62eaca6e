package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/agent/ports"
	"agentflow/internal/agent/ports/mocks"
	"agentflow/internal/tools"
)

func TestReActParseModelOutput(t *testing.T) {
	s := &ReAct{}
	tests := []struct {
		name    string
		text    string
		finish  bool
		answer  string
		tool    string
		args    map[string]any
		wantErr string
	}{
		{
			name:   "final answer",
			text:   "Thought: I know this\nFinal Answer:  Paris ",
			finish: true,
			answer: "Paris",
		},
		{
			name: "free text input",
			text: "Thought: search it\nAction: search\nAction Input: \"capital of France\"",
			tool: "search",
			args: map[string]any{"input": "capital of France"},
		},
		{
			name: "json input",
			text: "Thought: write\nAction 1: write_file\nAction Input 1: {\"file_path\": \"a.txt\", \"text\": \"hi\"}",
			tool: "write_file",
			args: map[string]any{"file_path": "a.txt", "text": "hi"},
		},
		{
			name:    "both",
			text:    "Action: search\nAction Input: x\nFinal Answer: y",
			wantErr: "both a final answer and an action",
		},
		{
			name:    "no action",
			text:    "just chatting",
			wantErr: "missing 'Action:'",
		},
		{
			name:    "no action input",
			text:    "Thought: hmm\nAction: search",
			wantErr: "missing 'Action Input:'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := s.ParseModelOutput(&ports.CompletionResponse{Content: tt.text})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.finish, d.Finish)
			if tt.finish {
				assert.Equal(t, tt.answer, d.Answer)
				return
			}
			require.Len(t, d.Actions, 1)
			assert.Equal(t, tt.tool, d.Actions[0].Call.Name)
			assert.Equal(t, tt.args, d.Actions[0].Call.Arguments)
			assert.NotEmpty(t, d.Actions[0].Call.ID)
		})
	}
}

func TestReActPromptCarriesToolsAndScratchpad(t *testing.T) {
	s := &ReAct{SystemPrompt: "You are terse."}
	run := &Run{
		Input: "capital of France?",
		Tools: []ports.ToolDefinition{{Name: "search", Description: "web search"}, {Name: "calculator", Description: "math"}},
		Steps: []Step{{
			Action:      Action{Log: "Thought: look\nAction: search\nAction Input: France capital"},
			Observation: "Paris",
		}},
	}
	req, err := s.FormatScratchpad(context.Background(), run)
	require.NoError(t, err)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, ports.RoleSystem, req.Messages[0].Role)
	prompt := req.Messages[1].Content
	assert.Contains(t, prompt, "search: web search\ncalculator: math")
	assert.Contains(t, prompt, "one of [search, calculator]")
	assert.Contains(t, prompt, "Question: capital of France?")
	assert.True(t, strings.HasSuffix(prompt, "Action Input: France capital\nObservation: Paris\nThought:"))
	assert.Equal(t, []string{ReactStopSequence}, req.StopSequences)
}

func TestToolCallingScratchpadGroupsByIteration(t *testing.T) {
	steps := []Step{
		{Iteration: 1, Action: Action{Call: ports.ToolCall{ID: "a", Name: "x"}, Log: "checking"}, Observation: "1"},
		{Iteration: 1, Action: Action{Call: ports.ToolCall{ID: "b", Name: "y"}}, Observation: "2"},
		{Iteration: 2, Action: Action{Call: ports.ToolCall{Name: exceptionTool}}, Observation: "Error: blip"},
		{Iteration: 3, Action: Action{Call: ports.ToolCall{ID: "c", Name: "x"}}, Observation: "3"},
	}
	msgs := toolCallingScratchpad(steps)

	require.Len(t, msgs, 6)
	assert.Equal(t, ports.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "checking", msgs[0].Content)
	assert.Len(t, msgs[0].ToolCalls, 2)
	assert.Equal(t, "a", msgs[1].ToolCallID)
	assert.Equal(t, "b", msgs[2].ToolCallID)
	assert.Equal(t, ports.RoleUser, msgs[3].Role)
	assert.Equal(t, "Error: blip", msgs[3].Content)
	assert.Len(t, msgs[4].ToolCalls, 1)
	assert.Equal(t, "3", msgs[5].Content)
}

func TestToolCallingSendsToolCatalog(t *testing.T) {
	s := &ToolCalling{}
	defs := []ports.ToolDefinition{{Name: "search", Parameters: ports.SingleInputSchema("q")}}
	req, err := s.FormatScratchpad(context.Background(), &Run{Input: "hi", Tools: defs})
	require.NoError(t, err)
	assert.Equal(t, defs, req.Tools)
	assert.Equal(t, defaultToolCallingPrompt, req.Messages[0].Content)
}

func TestAutoGPTParseModelOutput(t *testing.T) {
	s := &AutoGPT{}

	d, err := s.ParseModelOutput(&ports.CompletionResponse{Content: "Sure!\n```json\n{\"thoughts\": {\"text\": \"t\"}, \"command\": {\"name\": \"search\", \"args\": {\"input\": \"go\",}}}\n```"})
	require.NoError(t, err)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, "search", d.Actions[0].Call.Name)
	assert.Equal(t, map[string]any{"input": "go"}, d.Actions[0].Call.Arguments)

	d, err = s.ParseModelOutput(&ports.CompletionResponse{Content: `{"command": {"name": "finish", "args": {"response": "all done"}}}`})
	require.NoError(t, err)
	assert.True(t, d.Finish)
	assert.Equal(t, "all done", d.Answer)

	_, err = s.ParseModelOutput(&ports.CompletionResponse{Content: `{"thoughts": {"text": "no command"}}`})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Observation, "Incomplete command args")
	assert.True(t, strings.HasPrefix(perr.Observation, "Error: "))
}

func TestAutoGPTPromptStructure(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &AutoGPT{AIName: "Tom", AIRole: "a researcher", now: func() time.Time { return fixed }}
	run := &Run{
		Goals: []string{"find the capital", "write it down"},
		Tools: []ports.ToolDefinition{{Name: "search", Description: "web search", Parameters: ports.SingleInputSchema("q")}},
		Steps: []Step{{Action: Action{Call: ports.ToolCall{Name: "search"}, Log: `{"command":{"name":"search"}}`}, Observation: "Paris"}},
	}
	req, err := s.FormatScratchpad(context.Background(), run)
	require.NoError(t, err)

	msgs := req.Messages
	require.Len(t, msgs, 7)
	assert.Contains(t, msgs[0].Content, "You are Tom, a researcher")
	assert.Contains(t, msgs[0].Content, "1. find the capital\n2. write it down")
	assert.Contains(t, msgs[0].Content, `1. "search": web search`)
	assert.Contains(t, msgs[0].Content, `2. "finish"`)
	assert.Contains(t, msgs[1].Content, fixed.Format(time.RFC1123))
	assert.True(t, strings.HasPrefix(msgs[2].Content, "This reminds you of these events from your past:"))
	assert.Equal(t, autoGPTNextCommand, msgs[3].Content)
	assert.Equal(t, ports.RoleAssistant, msgs[4].Role)
	assert.Equal(t, "Command search returned: Paris", msgs[5].Content)
	assert.Equal(t, autoGPTNextCommand, msgs[6].Content)
}

type sliceMemory struct {
	mu   sync.Mutex
	docs []ports.Document
}

func (m *sliceMemory) Add(_ context.Context, text string, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, ports.Document{Content: text, Metadata: meta})
	return nil
}

func (m *sliceMemory) Search(_ context.Context, _ string, k int) ([]ports.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k > len(m.docs) {
		k = len(m.docs)
	}
	return append([]ports.Document(nil), m.docs[:k]...), nil
}

func TestAutoGPTRunStoresMemoryAndStopsOnFeedback(t *testing.T) {
	mem := &sliceMemory{}
	var asked int
	feedback := tools.InputProviderFunc(func(context.Context, string) (string, error) {
		asked++
		if asked == 1 {
			return "try harder", nil
		}
		return " STOP ", nil
	})
	s := &AutoGPT{Memory: mem, Feedback: feedback}

	search := &mocks.MockToolExecutor{Def: ports.ToolDefinition{Name: "search", Parameters: ports.SingleInputSchema("q")}}
	model := mocks.ScriptedLLM(
		&ports.CompletionResponse{Content: `{"command": {"name": "search", "args": {"input": "go"}}}`},
		&ports.CompletionResponse{Content: `{"command": {"name": "teleport", "args": {}}}`},
	)
	c := newTestController(model, Config{MaxIterations: 10})
	res, err := c.Run(context.Background(), RunRequest{Input: "research go", Strategy: s, Tools: newRegistry(t, search)})
	require.NoError(t, err)

	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, AutoGPTExit, res.Answer)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, search.Calls())

	require.Len(t, res.Steps, 2)
	assert.Equal(t, "Mock tool result\ntry harder", res.Steps[0].Observation)
	assert.Equal(t, "Unknown command 'teleport'. Please refer to the 'COMMANDS' list for available commands and only respond in the specified JSON format.", res.Steps[1].Observation)

	require.Len(t, mem.docs, 1)
	assert.Contains(t, mem.docs[0].Content, "Result: Command search returned: Mock tool result")
	assert.Contains(t, mem.docs[0].Content, "try harder")
	assert.Equal(t, res.RunID, mem.docs[0].Metadata["runId"])

	// The second prompt recalls the stored step.
	second := model.Requests()[1].Messages
	assert.Contains(t, second[2].Content, "Assistant Reply:")
}

type brokenMemory struct{ adds, searches int }

func (m *brokenMemory) Add(context.Context, string, map[string]string) error {
	m.adds++
	return errors.New("vector store down")
}

func (m *brokenMemory) Search(context.Context, string, int) ([]ports.Document, error) {
	m.searches++
	return nil, errors.New("vector store down")
}

func TestAutoGPTKeepsRunningWhenMemoryFails(t *testing.T) {
	mem := &brokenMemory{}
	model := mocks.ScriptedLLM(
		&ports.CompletionResponse{Content: `{"command": {"name": "teleport", "args": {}}}`},
		&ports.CompletionResponse{Content: `{"command": {"name": "finish", "args": {"response": "done anyway"}}}`},
	)
	c := newTestController(model, Config{MaxIterations: 5})
	res, err := c.Run(context.Background(), RunRequest{Input: "go", Strategy: &AutoGPT{Memory: mem}})
	require.NoError(t, err)

	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, "done anyway", res.Answer)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Steps, 1)
	assert.Contains(t, res.Steps[0].Observation, "Unknown command 'teleport'")
	assert.Equal(t, 1, mem.adds)
	assert.Equal(t, 2, mem.searches)
	assert.NotContains(t, model.Requests()[1].Messages[2].Content, "Assistant Reply:")
}

func TestAutoGPTInvalidJSONIsFedBack(t *testing.T) {
	model := mocks.ScriptedLLM(
		&ports.CompletionResponse{Content: "I refuse to use JSON"},
		&ports.CompletionResponse{Content: `{"command": {"name": "finish", "args": {"response": "ok"}}}`},
	)
	c := newTestController(model, Config{MaxIterations: 5})
	res, err := c.Run(context.Background(), RunRequest{Input: "go", Strategy: &AutoGPT{}})
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Contains(t, res.Steps[0].Observation, "Could not parse invalid json")
}
