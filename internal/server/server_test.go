package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/agent/loop"
	"agentflow/internal/agent/ports"
	"agentflow/internal/agent/ports/mocks"
	"agentflow/internal/app"
	"agentflow/internal/flows"
	"agentflow/internal/logging"
	"agentflow/internal/moderation"
	"agentflow/internal/sandbox"
	"agentflow/internal/stream"
)

type testServer struct {
	srv         *Server
	broadcaster *stream.Broadcaster
	flows       *flows.Registry
}

func newTestServer(t *testing.T, model ports.LLMClient, defs ...flows.Flow) *testServer {
	t.Helper()
	reg, err := flows.NewRegistry(defs...)
	require.NoError(t, err)
	b := stream.NewBroadcaster(stream.WithLogger(logging.Nop()))
	controller := loop.NewController(model, loop.Config{MaxIterations: 4},
		loop.WithLogger(logging.Nop()), loop.WithGate(&moderation.Gate{}))
	svc, err := app.NewService(app.Config{
		Flows:       reg,
		Controller:  controller,
		Broadcaster: b,
		Sandbox:     sandbox.New(sandbox.Config{Timeout: 5 * time.Second}),
		Logger:      logging.Nop(),
	})
	require.NoError(t, err)
	srv := New(Config{Addr: ":0"}, Deps{Predictor: svc, Broadcaster: b, Logger: logging.Nop()})
	return &testServer{srv: srv, broadcaster: b, flows: reg}
}

func postPrediction(t *testing.T, h http.Handler, flowID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/prediction/"+flowID, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, mocks.ScriptedLLM())
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestPredictionEndpoint(t *testing.T) {
	id := uuid.NewString()
	ts := newTestServer(t, mocks.ScriptedLLM(&ports.CompletionResponse{Content: "hello there"}), flows.Flow{ID: id})

	rec := postPrediction(t, ts.srv.Handler(), id, `{"question":"hi","chatId":"c-1","overrideConfig":{"sessionId":"s-1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp app.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "c-1", resp.ChatID)
	assert.Equal(t, "s-1", resp.SessionID)
	assert.Equal(t, loop.StatusFinished, resp.Status)
}

func TestPredictionModerationAnswers200(t *testing.T) {
	id := uuid.NewString()
	model := mocks.ScriptedLLM(&ports.CompletionResponse{Content: "never"})
	ts := newTestServer(t, model, flows.Flow{ID: id, Moderation: flows.Moderation{Denylist: "forbidden"}})

	rec := postPrediction(t, ts.srv.Handler(), id, `{"question":"something forbidden"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp app.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, loop.StatusFailed, resp.Status)
	assert.Equal(t, moderation.DefaultDenylistMessage, resp.Text)
	assert.Equal(t, 0, model.Calls())
}

func TestPredictionErrors(t *testing.T) {
	id := uuid.NewString()
	ts := newTestServer(t, mocks.ScriptedLLM(), flows.Flow{ID: id})

	tests := []struct {
		name   string
		flowID string
		body   string
		ctype  string
		status int
	}{
		{"unknown flow", uuid.NewString(), `{"question":"hi"}`, "application/json", http.StatusNotFound},
		{"malformed flow id", "not-a-uuid", `{"question":"hi"}`, "application/json", http.StatusBadRequest},
		{"empty question", id, `{"question":""}`, "application/json", http.StatusBadRequest},
		{"bad json", id, `{"question":`, "application/json", http.StatusBadRequest},
		{"wrong content type", id, `question=hi`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/prediction/"+tt.flowID, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			rec := httptest.NewRecorder()
			ts.srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestStreamingPredictionReachesSubscribers(t *testing.T) {
	id := uuid.NewString()
	ts := newTestServer(t, mocks.ScriptedLLM(&ports.CompletionResponse{Content: "one two three"}), flows.Flow{ID: id})

	events, unsubscribe := ts.broadcaster.Subscribe("chat-s")
	defer unsubscribe()

	rec := postPrediction(t, ts.srv.Handler(), id, `{"question":"count","chatId":"chat-s","streaming":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var text strings.Builder
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			switch ev.Type {
			case stream.EventStart, stream.EventToken:
				text.WriteString(ev.Data.(string))
			case stream.EventEnd:
				done = true
			}
		case <-deadline:
			t.Fatal("no end event")
		}
	}
	assert.Equal(t, "one two three", text.String())
}

// A parent flow calls a child flow through the real HTTP boundary; the
// child then tries to call the parent back and is refused by the call chain.
func TestFlowAsToolOverHTTP(t *testing.T) {
	parent, child := uuid.NewString(), uuid.NewString()
	var hits int
	model := &mocks.MockLLMClient{
		CompleteFunc: func(_ context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			if len(req.StopSequences) > 0 {
				// parent, ReAct
				if strings.Contains(last.Content, "child saw") {
					return &ports.CompletionResponse{Content: "Final Answer: done"}, nil
				}
				return &ports.CompletionResponse{Content: "Action: ask_child\nAction Input: what is new?"}, nil
			}
			// child, tool calling
			if last.Role == ports.RoleTool {
				return &ports.CompletionResponse{Content: "child saw: " + last.Content}, nil
			}
			return &ports.CompletionResponse{ToolCalls: []ports.ToolCall{{ID: "t1", Name: "ask_parent", Arguments: map[string]any{"input": "loop?"}}}}, nil
		},
	}

	var ts *testServer
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		ts.srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(httpSrv.Close)

	ts = newTestServer(t, model,
		flows.Flow{ID: parent, Strategy: flows.StrategyReAct, Tools: []flows.Tool{
			{Type: flows.ToolFlow, Name: "ask_child", FlowID: child, BaseURL: httpSrv.URL},
		}},
		flows.Flow{ID: child, HandleParsingErrors: flows.ParsingErrors{Enabled: true}, Tools: []flows.Tool{
			{Type: flows.ToolFlow, Name: "ask_parent", FlowID: parent, BaseURL: httpSrv.URL},
		}},
	)

	rec := postPrediction(t, ts.srv.Handler(), parent, `{"question":"news?"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp app.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp.Text)
	require.Len(t, resp.UsedTools, 1)
	assert.Contains(t, resp.UsedTools[0].ToolOutput, "child saw: Error in args:")
	assert.Contains(t, resp.UsedTools[0].ToolOutput, "already running in this call chain")
	// only the parent to child call crossed HTTP
	assert.Equal(t, 1, hits)
}

func TestStreamRoutesDisabledWithoutBroadcaster(t *testing.T) {
	srv := New(Config{}, Deps{Predictor: nil, Logger: logging.Nop()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := New(Config{AllowedOrigins: []string{"https://app.example.com"}}, Deps{Logger: logging.Nop()})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/prediction/x", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
