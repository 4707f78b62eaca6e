// Package stream delivers run progress to connected clients. Delivery is
// best effort: an emitter never blocks or fails the agent loop.
package stream

import (
	"regexp"
	"time"

	"agentflow/internal/agent/ports"
)

// EventType names a streamed event.
type EventType string

const (
	EventStart           EventType = "start"
	EventToken           EventType = "token"
	EventEnd             EventType = "end"
	EventSourceDocuments EventType = "sourceDocuments"
	EventUsedTools       EventType = "usedTools"
)

// Event is one message on a chat's stream.
type Event struct {
	Type      EventType `json:"event"`
	ChatID    string    `json:"chatId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"-"`
}

// Emitter pushes run output to whoever listens on a chat id.
type Emitter interface {
	Start(chatID, firstToken string)
	Token(chatID, token string)
	End(chatID string)
	SourceDocuments(chatID string, docs []ports.Document)
	UsedTools(chatID string, tools []ports.UsedTool)
}

type nopEmitter struct{}

func (nopEmitter) Start(string, string)                     {}
func (nopEmitter) Token(string, string)                     {}
func (nopEmitter) End(string)                               {}
func (nopEmitter) SourceDocuments(string, []ports.Document) {}
func (nopEmitter) UsedTools(string, []ports.UsedTool)       {}

// Nop returns an emitter that drops everything.
func Nop() Emitter { return nopEmitter{} }

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop()
	}
	return e
}

var whitespaceSplit = regexp.MustCompile(`(\s+)`)

// Text streams a complete message as start, one token per word or
// whitespace run, then end. It is used for answers that were not produced
// token by token, such as moderation rejections.
func Text(e Emitter, chatID, text string) {
	e = OrNop(e)
	parts := SplitTokens(text)
	if len(parts) == 0 {
		e.Start(chatID, "")
	}
	for i, part := range parts {
		if i == 0 {
			e.Start(chatID, part)
		}
		e.Token(chatID, part)
	}
	e.End(chatID)
}

// SplitTokens splits text into words and the whitespace runs between them.
func SplitTokens(text string) []string {
	if text == "" {
		return nil
	}
	var parts []string
	last := 0
	for _, loc := range whitespaceSplit.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			parts = append(parts, text[last:loc[0]])
		}
		parts = append(parts, text[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		parts = append(parts, text[last:])
	}
	return parts
}
