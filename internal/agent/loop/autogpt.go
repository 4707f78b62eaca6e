package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/agent/ports"
	"agentflow/internal/logging"
	tokenutil "agentflow/internal/shared/token"
	"agentflow/internal/tools"
)

const (
	autoGPTFinish      = "finish"
	autoGPTNextCommand = "Determine which next command to use, and respond using the format specified above:"
	// AutoGPTExit is the answer of a run the operator stopped.
	AutoGPTExit = "EXITING"

	defaultAutoGPTContextTokens = 4096
	defaultAutoGPTMemoryTokens  = 2500
	autoGPTReplyReserve         = 1000
	autoGPTHistoryMessages      = 10
	defaultAutoGPTMemoryResults = 4
)

const autoGPTPromptStart = `Your decisions must always be made independently without seeking user assistance.
Play to your strengths as an LLM and pursue simple strategies with no legal complications.
If you have completed all your tasks, make sure to use the "finish" command.`

const autoGPTResponseFormat = `{
    "thoughts": {
        "text": "thought",
        "reasoning": "reasoning",
        "plan": "- short bulleted\n- list that conveys\n- long-term plan",
        "criticism": "constructive self-criticism",
        "speak": "thoughts summary to say to user"
    },
    "command": {
        "name": "command name",
        "args": {
            "arg name": "value"
        }
    }
}`

// AutoGPT is the long-lived single agent. It answers in a fixed JSON format,
// recalls earlier steps from vector memory, and can hand each step to a
// human who may stop the run by answering "stop" or "q".
type AutoGPT struct {
	AIName string
	AIRole string
	// Memory stores one document per step. Optional.
	Memory ports.VectorMemory
	// Feedback is asked after every step. Optional.
	Feedback tools.InputProvider
	Logger   logging.Logger

	ContextTokens int
	MemoryTokens  int
	MemoryResults int
	Temperature   float64

	now func() time.Time
}

func (s *AutoGPT) Name() string { return "autogpt" }

func (s *AutoGPT) UnknownToolObservation(name string, _ []string) string {
	return fmt.Sprintf("Unknown command '%s'. Please refer to the 'COMMANDS' list for available commands and only respond in the specified JSON format.", name)
}

func (s *AutoGPT) FormatScratchpad(ctx context.Context, run *Run) (ports.CompletionRequest, error) {
	base := ports.SystemMessage(s.fullPrompt(run))
	clock := ports.SystemMessage("The current time and date is " + s.clock().Format(time.RFC1123))
	used := tokenutil.CountTokens(base.Content) + tokenutil.CountTokens(clock.Content)

	previous := autoGPTHistory(run.Steps)
	if len(previous) > autoGPTHistoryMessages {
		previous = previous[len(previous)-autoGPTHistoryMessages:]
	}

	memories, err := s.recall(ctx, run, previous, used)
	if err != nil {
		// The step goes ahead without recalled memories.
		s.log().Warn("run %s: %v", run.ID, err)
	}
	memory := ports.SystemMessage("This reminds you of these events from your past:\n" + strings.Join(memories, "\n") + "\n\n")
	used += tokenutil.CountTokens(memory.Content)

	contents := make([]string, len(previous))
	for i, msg := range previous {
		contents[i] = msg.Content
	}
	start := tokenutil.FitTail(contents, s.contextTokens()-autoGPTReplyReserve-used)

	msgs := []ports.Message{base, clock, memory}
	msgs = append(msgs, previous[start:]...)
	msgs = append(msgs, ports.UserMessage(autoGPTNextCommand))
	return ports.CompletionRequest{Messages: msgs, Temperature: s.Temperature}, nil
}

// recall returns the memory documents relevant to the recent messages,
// dropped from the end until they fit the memory budget.
func (s *AutoGPT) recall(ctx context.Context, run *Run, previous []ports.Message, used int) ([]string, error) {
	if s.Memory == nil {
		return nil, nil
	}
	var query strings.Builder
	for _, msg := range previous {
		query.WriteString(msg.Content)
		query.WriteString("\n")
	}
	if query.Len() == 0 {
		query.WriteString(strings.Join(run.Goals, "\n"))
	}
	k := s.MemoryResults
	if k <= 0 {
		k = defaultAutoGPTMemoryResults
	}
	docs, err := s.Memory.Search(ctx, query.String(), k)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}

	budget := s.MemoryTokens
	if budget <= 0 {
		budget = defaultAutoGPTMemoryTokens
	}
	var memories []string
	total := used
	for _, doc := range docs {
		tokens := tokenutil.CountTokens(doc.Content)
		if total+tokens > budget {
			break
		}
		memories = append(memories, doc.Content)
		total += tokens
	}
	return memories, nil
}

func (s *AutoGPT) fullPrompt(run *Run) string {
	name, role := s.AIName, s.AIRole
	if name == "" {
		name = "AutoGPT"
	}
	if role == "" {
		role = "Assistant"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s\n%s\n\nGOALS:\n\n", name, role, autoGPTPromptStart)
	for i, goal := range run.Goals {
		fmt.Fprintf(&b, "%d. %s\n", i+1, goal)
	}

	b.WriteString("\n\nConstraints:\n")
	b.WriteString("1. ~4000 word limit for short term memory. Your short term memory is short, so immediately save important information to files.\n")
	b.WriteString("2. If you are unsure how you previously did something or want to recall past events, thinking about similar events will help you remember.\n")
	b.WriteString("3. No user assistance\n")
	b.WriteString("4. Exclusively use the commands listed in double quotes e.g. \"command name\"\n")

	b.WriteString("\nCommands:\n")
	for i, def := range run.Tools {
		props, _ := json.Marshal(def.Parameters.Properties)
		fmt.Fprintf(&b, "%d. \"%s\": %s, args json schema: %s\n", i+1, def.Name, def.Description, props)
	}
	fmt.Fprintf(&b, "%d. \"%s\": use this to signal that you have finished all your objectives, args: \"response\": \"final response to let people know you have finished your objectives\"\n",
		len(run.Tools)+1, autoGPTFinish)

	b.WriteString("\nResources:\n")
	b.WriteString("1. Internet access for searches and information gathering.\n")
	b.WriteString("2. Long Term memory management.\n")
	b.WriteString("3. Agents for delegation of simple tasks.\n")
	b.WriteString("4. File output.\n")

	b.WriteString("\nPerformance Evaluation:\n")
	b.WriteString("1. Continuously review and analyze your actions to ensure you are performing to the best of your abilities.\n")
	b.WriteString("2. Constructively self-criticize your big-picture behavior constantly.\n")
	b.WriteString("3. Reflect on past decisions and strategies to refine your approach.\n")
	b.WriteString("4. Every command has a cost, so be smart and efficient. Aim to complete tasks in the least number of steps.\n")

	b.WriteString("\nYou should only respond in JSON format as described below\nResponse Format:\n")
	b.WriteString(autoGPTResponseFormat)
	b.WriteString("\nEnsure the response can be parsed by a strict JSON parser.")
	return b.String()
}

// autoGPTHistory replays steps as the prompt, reply, result triples the
// model saw.
func autoGPTHistory(steps []Step) []ports.Message {
	msgs := make([]ports.Message, 0, 3*len(steps))
	for _, step := range steps {
		msgs = append(msgs,
			ports.UserMessage(autoGPTNextCommand),
			ports.AssistantMessage(step.Action.Log),
			ports.SystemMessage(autoGPTResult(step)),
		)
	}
	return msgs
}

func autoGPTResult(step Step) string {
	obs := step.Observation
	if step.Action.Call.Name == exceptionTool ||
		strings.HasPrefix(obs, "Unknown command") ||
		strings.HasPrefix(obs, "Error in args:") {
		return obs
	}
	return fmt.Sprintf("Command %s returned: %s", step.Action.Call.Name, obs)
}

type autoGPTReply struct {
	Thoughts map[string]any `json:"thoughts"`
	Command  struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"command"`
}

func (s *AutoGPT) ParseModelOutput(resp *ports.CompletionResponse) (Decision, error) {
	text := strings.TrimSpace(resp.Content)
	reply, err := parseAutoGPTReply(text)
	if err != nil {
		return Decision{}, err
	}
	if strings.EqualFold(reply.Command.Name, autoGPTFinish) {
		return Decision{Finish: true, Answer: tools.StringArg(reply.Command.Args, "response"), Log: text}, nil
	}
	args := reply.Command.Args
	if args == nil {
		args = map[string]any{}
	}
	return Decision{
		Actions: []Action{{
			Call: ports.ToolCall{ID: uuid.NewString(), Name: reply.Command.Name, Arguments: args},
			Log:  text,
		}},
		Log: text,
	}, nil
}

func parseAutoGPTReply(text string) (autoGPTReply, error) {
	var reply autoGPTReply
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return reply, autoGPTParseError(text, "Could not parse invalid json: "+text)
	}
	decoded, err := tools.ParseArguments(text[start : end+1])
	if err == nil {
		var raw []byte
		raw, err = json.Marshal(decoded)
		if err == nil {
			err = json.Unmarshal(raw, &reply)
		}
	}
	if err != nil {
		return reply, autoGPTParseError(text, "Could not parse invalid json: "+text)
	}
	if strings.TrimSpace(reply.Command.Name) == "" {
		return reply, autoGPTParseError(text, "Incomplete command args: "+text)
	}
	return reply, nil
}

func autoGPTParseError(text, detail string) *ParseError {
	encoded, _ := json.Marshal(map[string]string{"error": detail})
	return &ParseError{
		Output:      text,
		Message:     detail,
		Observation: fmt.Sprintf("Error: %s. ", encoded),
	}
}

// ObserveStep stores the step in memory and asks for human feedback.
func (s *AutoGPT) ObserveStep(ctx context.Context, run *Run, step Step) StepOutcome {
	result := autoGPTResult(step)
	entry := fmt.Sprintf("Assistant Reply: %s \nResult: %s ", step.Action.Log, result)
	observation := step.Observation

	if s.Feedback != nil {
		feedback, err := s.Feedback.Ask(ctx, "Input: ")
		if err != nil {
			return FatalWith(fmt.Errorf("human feedback: %w", err))
		}
		switch strings.ToLower(strings.TrimSpace(feedback)) {
		case "q", "stop":
			return TerminalWith(AutoGPTExit)
		case "":
		default:
			entry += "\n" + feedback
			observation += "\n" + feedback
		}
	}

	if s.Memory != nil {
		meta := map[string]string{"runId": run.ID, "sessionId": run.SessionID}
		if err := s.Memory.Add(ctx, entry, meta); err != nil {
			s.log().Warn("run %s: store memory: %v", run.ID, err)
		}
	}
	return ContinueWith(observation)
}

func (s *AutoGPT) contextTokens() int {
	if s.ContextTokens > 0 {
		return s.ContextTokens
	}
	return defaultAutoGPTContextTokens
}

func (s *AutoGPT) log() logging.Logger {
	return logging.OrNop(s.Logger)
}

func (s *AutoGPT) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
