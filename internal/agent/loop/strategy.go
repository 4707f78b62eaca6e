package loop

import (
	"context"
	"fmt"
	"strings"

	"agentflow/internal/agent/ports"
)

// Strategy is how one loop variant talks to the model. The controller owns
// the state machine; a strategy only builds the next request from the run
// and reads the model's reply. Strategies are shared by concurrent runs and
// keep no per-run state.
type Strategy interface {
	Name() string
	FormatScratchpad(ctx context.Context, run *Run) (ports.CompletionRequest, error)
	ParseModelOutput(resp *ports.CompletionResponse) (Decision, error)
}

// UnknownToolFormatter lets a strategy word the observation for an action
// naming a tool that is not in the catalog.
type UnknownToolFormatter interface {
	UnknownToolObservation(name string, available []string) string
}

// StepObserver is called after every executed step. It may end the run or
// replace the observation.
type StepObserver interface {
	ObserveStep(ctx context.Context, run *Run, step Step) StepOutcome
}

// ContentStreamer marks strategies whose raw model content is the answer
// text and can be streamed as it is produced.
type ContentStreamer interface {
	StreamsContent() bool
}

func unknownToolObservation(s Strategy, name string, available []string) string {
	if f, ok := s.(UnknownToolFormatter); ok {
		return f.UnknownToolObservation(name, available)
	}
	return fmt.Sprintf("%s is not a valid tool, try another available tool: %s", name, strings.Join(available, ", "))
}

func streamsContent(s Strategy) bool {
	c, ok := s.(ContentStreamer)
	return ok && c.StreamsContent()
}

// toolNames lists the names of defs in catalog order.
func toolNames(defs []ports.ToolDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}
