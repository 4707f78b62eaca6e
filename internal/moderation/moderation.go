// Package moderation screens user input before any model sees it.
package moderation

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
)

// DefaultBackoff is how long the gate waits before reporting a violation.
const DefaultBackoff = 500 * time.Millisecond

// Rule inspects input and returns it, possibly rewritten. A rule that finds
// a violation returns an *errors.ModerationViolation.
type Rule interface {
	Name() string
	CheckForViolations(ctx context.Context, input string) (string, error)
}

// Gate runs an ordered rule chain.
type Gate struct {
	Backoff time.Duration
	Logger  logging.Logger
	Metrics *observability.MetricsCollector

	sleep func(context.Context, time.Duration)
}

// NewGate returns a gate with the default violation backoff.
func NewGate(logger logging.Logger, metrics *observability.MetricsCollector) *Gate {
	return &Gate{Backoff: DefaultBackoff, Logger: logging.OrNop(logger), Metrics: metrics}
}

// CheckInputs feeds input through rules in order, each rule receiving the
// previous rule's output, and stops at the first violation. Non-violation
// rule failures are returned unchanged.
func (g *Gate) CheckInputs(ctx context.Context, rules []Rule, input string) (_ string, err error) {
	if len(rules) == 0 {
		return input, nil
	}
	ctx, span := observability.StartSpan(ctx, observability.SpanModeration,
		attribute.Int("agentflow.moderation.rules", len(rules)))
	defer func() { observability.EndSpan(span, err) }()

	logger := logging.OrNop(g.Logger)
	current := input
	for _, rule := range rules {
		out, ruleErr := rule.CheckForViolations(ctx, current)
		if ruleErr == nil {
			current = out
			continue
		}

		var violation *aferrors.ModerationViolation
		if !errors.As(ruleErr, &violation) {
			logger.Error("moderation rule %s failed: %v", rule.Name(), ruleErr)
			return "", ruleErr
		}
		if violation.Rule == "" {
			violation.Rule = rule.Name()
		}
		logger.Warn("moderation rule %s rejected input", violation.Rule)
		g.Metrics.RecordModerationViolation(ctx, violation.Rule)
		g.wait(ctx)
		return "", violation
	}
	return current, nil
}

func (g *Gate) wait(ctx context.Context) {
	if g.sleep != nil {
		g.sleep(ctx, g.Backoff)
		return
	}
	if g.Backoff <= 0 {
		return
	}
	timer := time.NewTimer(g.Backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Response is what a caller returns in place of a model answer when input
// was rejected.
type Response struct {
	Text string `json:"text"`
}

// FormatResponse turns a moderation error into the user-facing response.
func FormatResponse(err error) Response {
	var violation *aferrors.ModerationViolation
	if errors.As(err, &violation) && strings.TrimSpace(violation.Message) != "" {
		return Response{Text: violation.Message}
	}
	return Response{Text: DefaultDenylistMessage}
}
