// Package tokenutil counts and trims prompt text with tiktoken-go. The
// cl100k_base encoding is loaded on first use; if it cannot be loaded the
// package falls back to a character heuristic.
package tokenutil

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	once.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = e
		}
	})
	return encoding
}

// CountTokens returns the cl100k_base token count of text, or EstimateFast
// when the encoding is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word_count).
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateToTokens truncates text to approximately maxTokens.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := enc(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}

// FitTail returns the smallest index i such that texts[i:] fits in budget
// tokens. It returns len(texts) when not even the last entry fits.
func FitTail(texts []string, budget int) int {
	used := 0
	for i := len(texts) - 1; i >= 0; i-- {
		used += CountTokens(texts[i])
		if used > budget {
			return i + 1
		}
	}
	return 0
}
