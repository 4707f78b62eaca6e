// Package flows holds the agent flow definitions served by agentflow.
package flows

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy names accepted in a flow definition.
const (
	StrategyReAct       = "react"
	StrategyToolCalling = "tool_calling"
	StrategyAutoGPT     = "autogpt"
)

// Tool types accepted in a flow definition.
const (
	ToolFlow      = "flow"
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolRetriever = "retriever"
	ToolHuman     = "human"
)

// Flow is one agent definition.
type Flow struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Strategy      string  `yaml:"strategy"`
	SystemPrompt  string  `yaml:"systemPrompt"`
	MaxIterations int     `yaml:"maxIterations"`
	Temperature   float64 `yaml:"temperature"`
	Streaming     bool    `yaml:"streaming"`

	HandleParsingErrors ParsingErrors `yaml:"handleParsingErrors"`

	Moderation Moderation `yaml:"moderation"`
	AutoGPT    AutoGPT    `yaml:"autogpt"`
	Tools      []Tool     `yaml:"tools"`
}

// Moderation configures the input checks of a flow.
type Moderation struct {
	// Denylist is newline separated.
	Denylist        string `yaml:"denylist"`
	DenylistMessage string `yaml:"denylistMessage"`
	// UseModel adds a model-assisted similarity check to the denylist.
	UseModel bool `yaml:"useModel"`

	OpenAIPolicy  bool   `yaml:"openAIPolicy"`
	PolicyMessage string `yaml:"policyMessage"`
	// ThrowError makes a flagged input a violation instead of a rewrite.
	ThrowError bool `yaml:"throwError"`
}

// Enabled reports whether any rule is configured.
func (m Moderation) Enabled() bool {
	return strings.TrimSpace(m.Denylist) != "" || m.OpenAIPolicy
}

// AutoGPT configures the autogpt strategy.
type AutoGPT struct {
	AIName        string `yaml:"aiName"`
	AIRole        string `yaml:"aiRole"`
	HumanFeedback bool   `yaml:"humanFeedback"`
	Memory        bool   `yaml:"memory"`
	MemoryResults int    `yaml:"memoryResults"`
}

// Tool is one tool attached to a flow.
type Tool struct {
	Type        string `yaml:"type"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// flow tools
	FlowID              string         `yaml:"flowId"`
	BaseURL             string         `yaml:"baseURL"`
	APIKey              string         `yaml:"apiKey"`
	StartNewSession     bool           `yaml:"startNewSession"`
	UseQuestionFromChat bool           `yaml:"useQuestionFromChat"`
	CustomInput         string         `yaml:"customInput"`
	OverrideConfig      map[string]any `yaml:"overrideConfig"`

	ReturnDirect bool `yaml:"returnDirect"`

	// retriever tools
	TopK int `yaml:"topK"`
}

// ParsingErrors is the handleParsingErrors setting. In YAML it is either a
// boolean or the observation text to use.
type ParsingErrors struct {
	Enabled bool
	Message string
}

func (p *ParsingErrors) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: handleParsingErrors must be a boolean or a string", node.Line)
	}
	if node.Tag == "!!bool" {
		var enabled bool
		if err := node.Decode(&enabled); err != nil {
			return err
		}
		*p = ParsingErrors{Enabled: enabled}
		return nil
	}
	var message string
	if err := node.Decode(&message); err != nil {
		return err
	}
	message = strings.TrimSpace(message)
	*p = ParsingErrors{Enabled: message != "", Message: message}
	return nil
}

func (p ParsingErrors) MarshalYAML() (any, error) {
	if p.Message != "" {
		return p.Message, nil
	}
	return p.Enabled, nil
}
