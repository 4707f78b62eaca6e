package ports

import "context"

// RunInfo identifies the run a tool is executing under. Tools that call
// other flows read it to pick the chat and session to reuse and to extend
// the call chain.
type RunInfo struct {
	RunID     string
	FlowID    string
	SessionID string
	ChatID    string
	Input     string
	CallChain []string
}

type runInfoKey struct{}

// WithRunInfo attaches info to ctx.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext returns the RunInfo stored in ctx, if any.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}

// HistoryStore persists conversation messages per session.
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]Message, error)
	Append(ctx context.Context, sessionID string, messages ...Message) error
}

// VectorMemory stores run transcripts for similarity recall.
type VectorMemory interface {
	Add(ctx context.Context, text string, metadata map[string]string) error
	Search(ctx context.Context, query string, k int) ([]Document, error)
}
