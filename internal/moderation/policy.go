package moderation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	aferrors "agentflow/internal/errors"
)

// DefaultPolicyMessage is shown when the external classifier flags input.
const DefaultPolicyMessage = "Cannot Process! Input violates OpenAI's content moderation policies."

// Classification is the classifier verdict.
type Classification struct {
	Flagged    bool
	Categories []string
}

// Classifier is an external content classification service.
type Classifier interface {
	Classify(ctx context.Context, input string) (Classification, error)
}

// PolicyRule delegates to a Classifier. With ThrowError false a flagged input
// is reported with a fixed message; with ThrowError true the message names
// the flagged categories.
type PolicyRule struct {
	classifier Classifier
	message    string
	throwError bool
}

// NewPolicyRule builds a policy rule. An empty message uses DefaultPolicyMessage.
func NewPolicyRule(classifier Classifier, message string, throwError bool) *PolicyRule {
	if strings.TrimSpace(message) == "" {
		message = DefaultPolicyMessage
	}
	return &PolicyRule{classifier: classifier, message: message, throwError: throwError}
}

func (r *PolicyRule) Name() string { return "policy" }

func (r *PolicyRule) CheckForViolations(ctx context.Context, input string) (string, error) {
	verdict, err := r.classifier.Classify(ctx, input)
	if err != nil {
		return "", fmt.Errorf("moderation classifier: %w", err)
	}
	if !verdict.Flagged {
		return input, nil
	}
	msg := r.message
	if r.throwError && len(verdict.Categories) > 0 {
		msg = fmt.Sprintf("%s (%s)", r.message, strings.Join(verdict.Categories, ", "))
	}
	return "", &aferrors.ModerationViolation{Rule: r.Name(), Message: msg}
}

// OpenAIClassifier classifies input with the OpenAI moderation endpoint.
type OpenAIClassifier struct {
	client openai.Client
	model  openai.ModerationModel
}

// NewOpenAIClassifier creates a classifier. baseURL may be empty.
func NewOpenAIClassifier(apiKey, baseURL string) *OpenAIClassifier {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClassifier{
		client: openai.NewClient(opts...),
		model:  openai.ModerationModelOmniModerationLatest,
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, input string) (Classification, error) {
	resp, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(input)},
		Model: c.model,
	})
	if err != nil {
		return Classification{}, classifyError(err)
	}
	if len(resp.Results) == 0 {
		return Classification{}, nil
	}
	result := resp.Results[0]
	out := Classification{Flagged: result.Flagged}
	for name, flagged := range flaggedCategories(result.Categories) {
		if flagged {
			out.Categories = append(out.Categories, name)
		}
	}
	sort.Strings(out.Categories)
	return out, nil
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return aferrors.FromHTTPStatus(apiErr.StatusCode, err)
	}
	return err
}

func flaggedCategories(c openai.ModerationCategories) map[string]bool {
	return map[string]bool{
		"harassment":             c.Harassment,
		"harassment/threatening": c.HarassmentThreatening,
		"hate":                   c.Hate,
		"hate/threatening":       c.HateThreatening,
		"illicit":                c.Illicit,
		"illicit/violent":        c.IllicitViolent,
		"self-harm":              c.SelfHarm,
		"self-harm/instructions": c.SelfHarmInstructions,
		"self-harm/intent":       c.SelfHarmIntent,
		"sexual":                 c.Sexual,
		"sexual/minors":          c.SexualMinors,
		"violence":               c.Violence,
		"violence/graphic":       c.ViolenceGraphic,
	}
}
