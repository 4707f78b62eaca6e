package moderation

import (
	"context"
	"fmt"
	"strings"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
)

// DefaultDenylistMessage is shown when a denylisted phrase is found.
const DefaultDenylistMessage = "Cannot Process! Input violates content moderation policies."

const similarityPrompt = `You are a content moderation assistant. Answer only "Yes" or "No".
Are these two sentences similar in meaning?

Sentence 1: %s
Sentence 2: %s`

// DenylistRule rejects input containing a forbidden phrase. With a Model
// configured each phrase is compared through one similarity question to the
// model instead of a substring match.
type DenylistRule struct {
	phrases []string
	message string
	model   ports.LLMClient
}

// NewDenylistRule parses denylist, one phrase per line. An empty message
// falls back to DefaultDenylistMessage; model may be nil.
func NewDenylistRule(denylist, message string, model ports.LLMClient) *DenylistRule {
	if strings.TrimSpace(message) == "" {
		message = DefaultDenylistMessage
	}
	return &DenylistRule{phrases: parsePhrases(denylist), message: message, model: model}
}

func parsePhrases(denylist string) []string {
	var phrases []string
	for _, line := range strings.Split(denylist, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}

func (r *DenylistRule) Name() string { return "denylist" }

// Phrases returns the parsed denylist.
func (r *DenylistRule) Phrases() []string {
	return append([]string(nil), r.phrases...)
}

func (r *DenylistRule) CheckForViolations(ctx context.Context, input string) (string, error) {
	if r.model == nil {
		lower := strings.ToLower(input)
		for _, phrase := range r.phrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				return "", r.violation()
			}
		}
		return input, nil
	}

	for _, phrase := range r.phrases {
		resp, err := r.model.Complete(ctx, ports.CompletionRequest{
			Messages:    []ports.Message{ports.UserMessage(fmt.Sprintf(similarityPrompt, phrase, input))},
			Temperature: 0,
			MaxTokens:   5,
		})
		if err != nil {
			return "", fmt.Errorf("denylist similarity check: %w", err)
		}
		if strings.Contains(strings.ToLower(resp.Content), "yes") {
			return "", r.violation()
		}
	}
	return input, nil
}

func (r *DenylistRule) violation() error {
	return &aferrors.ModerationViolation{Rule: r.Name(), Message: r.message}
}
