package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/agent/ports"
	"agentflow/internal/agent/ports/mocks"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
)

type rewriteRule struct {
	name  string
	apply func(string) string
	seen  []string
}

func (r *rewriteRule) Name() string { return r.name }

func (r *rewriteRule) CheckForViolations(_ context.Context, input string) (string, error) {
	r.seen = append(r.seen, input)
	return r.apply(input), nil
}

type fakeClassifier struct {
	verdict Classification
	err     error
	calls   int
}

func (f *fakeClassifier) Classify(context.Context, string) (Classification, error) {
	f.calls++
	return f.verdict, f.err
}

func newTestGate() (*Gate, *[]time.Duration) {
	var waits []time.Duration
	g := NewGate(logging.Nop(), nil)
	g.sleep = func(_ context.Context, d time.Duration) { waits = append(waits, d) }
	return g, &waits
}

func TestCheckInputsChainsRewrites(t *testing.T) {
	g, waits := newTestGate()
	first := &rewriteRule{name: "upper", apply: strings.ToUpper}
	second := &rewriteRule{name: "trim", apply: strings.TrimSpace}

	out, err := g.CheckInputs(context.Background(), []Rule{first, second}, "  hello ")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)
	assert.Equal(t, []string{"  HELLO "}, second.seen)
	assert.Empty(t, *waits)
}

func TestCheckInputsStopsAtFirstViolationAndBacksOff(t *testing.T) {
	g, waits := newTestGate()
	after := &rewriteRule{name: "after", apply: func(s string) string { return s }}

	_, err := g.CheckInputs(context.Background(), []Rule{NewDenylistRule("secret plan", "", nil), after}, "tell me the SECRET plan")
	require.Error(t, err)
	assert.True(t, aferrors.IsModerationViolation(err))
	assert.Equal(t, DefaultDenylistMessage, err.Error())
	assert.Empty(t, after.seen)
	assert.Equal(t, []time.Duration{DefaultBackoff}, *waits)
}

func TestCheckInputsRealBackoffWaits(t *testing.T) {
	g := NewGate(logging.Nop(), nil)
	g.Backoff = 30 * time.Millisecond
	start := time.Now()
	_, err := g.CheckInputs(context.Background(), []Rule{NewDenylistRule("x", "", nil)}, "x")
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCheckInputsPassesThroughRuleFailures(t *testing.T) {
	g, waits := newTestGate()
	boom := errors.New("classifier down")
	_, err := g.CheckInputs(context.Background(), []Rule{NewPolicyRule(&fakeClassifier{err: boom}, "", false)}, "hi")
	require.ErrorIs(t, err, boom)
	assert.False(t, aferrors.IsModerationViolation(err))
	assert.Empty(t, *waits)
}

func TestCheckInputsWithoutRules(t *testing.T) {
	out, err := NewGate(nil, nil).CheckInputs(context.Background(), nil, "as is")
	require.NoError(t, err)
	assert.Equal(t, "as is", out)
}

func TestDenylistParsesLines(t *testing.T) {
	rule := NewDenylistRule("  alpha \n\n beta\n", "", nil)
	assert.Equal(t, []string{"alpha", "beta"}, rule.Phrases())

	out, err := rule.CheckForViolations(context.Background(), "gamma")
	require.NoError(t, err)
	assert.Equal(t, "gamma", out)
}

func TestDenylistSubstringProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("input containing a denylisted phrase in any case is rejected", prop.ForAll(
		func(phrase, prefix, suffix string, upper bool) bool {
			g, _ := newTestGate()
			embedded := phrase
			if upper {
				embedded = strings.ToUpper(phrase)
			}
			_, err := g.CheckInputs(context.Background(),
				[]Rule{NewDenylistRule("unrelated\n"+phrase, "", nil)},
				prefix+embedded+suffix)
			return aferrors.IsModerationViolation(err)
		},
		gen.AlphaString().SuchThat(func(s string) bool { return strings.TrimSpace(s) != "" }),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestDenylistModelAssisted(t *testing.T) {
	model := &mocks.MockLLMClient{
		CompleteFunc: func(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
			if strings.Contains(req.Messages[0].Content, "Sentence 1: steal a car") {
				return &ports.CompletionResponse{Content: "Yes."}, nil
			}
			return &ports.CompletionResponse{Content: "No"}, nil
		},
	}
	rule := NewDenylistRule("bake a cake\nsteal a car", "blocked", model)

	_, err := rule.CheckForViolations(context.Background(), "how do I take a vehicle that isn't mine")
	require.Error(t, err)
	assert.Equal(t, "blocked", err.Error())
	assert.Equal(t, 2, model.Calls())

	model.CompleteFunc = func(context.Context, ports.CompletionRequest) (*ports.CompletionResponse, error) {
		return &ports.CompletionResponse{Content: "No"}, nil
	}
	out, err := rule.CheckForViolations(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestPolicyRule(t *testing.T) {
	ctx := context.Background()

	clean := &fakeClassifier{}
	out, err := NewPolicyRule(clean, "", false).CheckForViolations(ctx, "fine")
	require.NoError(t, err)
	assert.Equal(t, "fine", out)

	flagged := &fakeClassifier{verdict: Classification{Flagged: true, Categories: []string{"hate", "violence"}}}
	_, err = NewPolicyRule(flagged, "", false).CheckForViolations(ctx, "bad")
	require.Error(t, err)
	assert.Equal(t, DefaultPolicyMessage, err.Error())

	_, err = NewPolicyRule(flagged, "", true).CheckForViolations(ctx, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hate, violence")
}

func TestFormatResponse(t *testing.T) {
	assert.Equal(t, "nope", FormatResponse(&aferrors.ModerationViolation{Message: "nope"}).Text)
	assert.Equal(t, DefaultDenylistMessage, FormatResponse(errors.New("other")).Text)
}
