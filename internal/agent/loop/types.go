package loop

import (
	"fmt"

	"agentflow/internal/agent/ports"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning  Status = "Running"
	StatusFinished Status = "Finished"
	StatusAborted  Status = "Aborted"
	StatusFailed   Status = "Failed"
)

// StoppedMessage is the answer of a run that ran out of iterations or time.
const StoppedMessage = "Agent stopped due to iteration limit or time limit."

// exceptionTool names the pseudo action recorded for unparseable output.
const exceptionTool = "_Exception"

// Action is a tool call requested by the model together with the raw text
// that produced it.
type Action struct {
	Call ports.ToolCall
	Log  string
}

// Step is an executed action and its observation.
type Step struct {
	Iteration   int
	Action      Action
	Observation string
}

// Decision is a parsed model reply: either a final answer or actions.
type Decision struct {
	Finish  bool
	Answer  string
	Actions []Action
	Log     string
}

// ParseError reports model output a strategy could not read. When
// Observation is set the error is always fed back to the model as that
// text, whatever the parsing error policy says.
type ParseError struct {
	Output      string
	Message     string
	Observation string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse model output: %s", e.Message)
}

// OutcomeKind classifies a step result.
type OutcomeKind int

const (
	// Continue feeds the observation back to the model.
	Continue OutcomeKind = iota
	// Terminal ends the run with an answer.
	Terminal
	// Fatal ends the run with an error.
	Fatal
)

// StepOutcome is the result of one reasoning or acting step.
type StepOutcome struct {
	Kind        OutcomeKind
	Observation string
	Answer      string
	Err         error
}

func ContinueWith(observation string) StepOutcome {
	return StepOutcome{Kind: Continue, Observation: observation}
}

func TerminalWith(answer string) StepOutcome {
	return StepOutcome{Kind: Terminal, Answer: answer}
}

func FatalWith(err error) StepOutcome {
	return StepOutcome{Kind: Fatal, Err: err}
}

// ParsingErrorPolicy decides what the model is told about unparseable output
// and tool input that fails validation. When disabled the model sees the
// parser's own error. Either way the run continues.
type ParsingErrorPolicy struct {
	Enabled bool
	Message string
}

// HandleParsingErrors feeds the default messages back to the model.
func HandleParsingErrors() ParsingErrorPolicy { return ParsingErrorPolicy{Enabled: true} }

// HandleParsingErrorsWith feeds msg back to the model for every parse failure.
func HandleParsingErrorsWith(msg string) ParsingErrorPolicy {
	return ParsingErrorPolicy{Enabled: true, Message: msg}
}

func (p ParsingErrorPolicy) outputObservation() string {
	if p.Message != "" {
		return p.Message
	}
	return "Invalid or incomplete response"
}

func (p ParsingErrorPolicy) inputObservation() string {
	if p.Message != "" {
		return p.Message
	}
	return "Invalid or incomplete tool input. Please try again."
}

// Run is the state of one execution as strategies see it. It is owned by
// the controller; strategies must treat it as read-only.
type Run struct {
	ID        string
	FlowID    string
	SessionID string
	ChatID    string
	Input     string
	Goals     []string
	History   []ports.Message
	Tools     []ports.ToolDefinition
	Steps     []Step
	// Iterations counts started reasoning cycles.
	Iterations int
}

// Result is what a run hands back to its caller.
type Result struct {
	RunID           string           `json:"runId"`
	SessionID       string           `json:"sessionId"`
	ChatID          string           `json:"chatId"`
	Status          Status           `json:"status"`
	Answer          string           `json:"text"`
	Iterations      int              `json:"iterations"`
	Steps           []Step           `json:"-"`
	UsedTools       []ports.UsedTool `json:"usedTools,omitempty"`
	SourceDocuments []ports.Document `json:"sourceDocuments,omitempty"`
	Usage           ports.TokenUsage `json:"usage"`
}
