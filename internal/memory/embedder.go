package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderConfig configures the OpenAI embedder.
type EmbedderConfig struct {
	Model     string // default "text-embedding-3-small"
	APIKey    string
	BaseURL   string
	CacheSize int // default 10000
}

// OpenAIEmbedder calls the embeddings endpoint and caches results by text.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	cache  *lru.Cache[string, []float32]
}

// NewOpenAIEmbedder creates an embedder.
func NewOpenAIEmbedder(config EmbedderConfig) (*OpenAIEmbedder, error) {
	if config.Model == "" {
		config.Model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 10000
	}
	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  config.Model,
		cache:  cache,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	e.cache.Add(text, vec)
	return vec, nil
}

// HashEmbedder is a deterministic bag-of-words embedder. It needs no
// network and is used offline and in tests.
type HashEmbedder struct {
	Dimensions int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions
	if dims <= 0 {
		dims = 256
	}
	vec := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(word))
		vec[hasher.Sum32()%uint32(dims)]++
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// chromem rejects zero vectors; nudge onto a fixed axis.
		vec[0] = 1
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
