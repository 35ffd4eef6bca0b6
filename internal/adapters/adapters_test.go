package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/vectorstore"
	"github.com/haasonsaas/relay/pkg/models"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 1}
}

type stubRetriever struct {
	hits []vectorstore.SearchHit
}

func (s *stubRetriever) Search(ctx context.Context, vsID, query string, topK int) ([]vectorstore.SearchHit, error) {
	return s.hits, nil
}

func chatTool(model string) *models.ToolDescriptor {
	return &models.ToolDescriptor{Name: "chat", Provider: "test", Adapter: "test", ModelName: model}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	est, err := assembler.NewEstimator("chars4")
	require.NoError(t, err)
	tc := NewTokenCountAdapter(est)

	require.NoError(t, reg.Register(tc))
	assert.Error(t, reg.Register(tc), "duplicate registration must fail")

	got, err := reg.Get("tokencount")
	require.NoError(t, err)
	assert.Equal(t, tc, got)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownAdapter)
	assert.Equal(t, []string{"tokencount"}, reg.Names())
}

func TestClassify(t *testing.T) {
	done, cancel := context.WithCancel(context.Background())
	cancel()
	live := context.Background()

	tests := []struct {
		name      string
		ctx       context.Context
		status    int
		err       error
		want      ErrorType
		retryable bool
	}{
		{"rate limit", live, 429, nil, ErrorRateLimited, true},
		{"server error", live, 503, nil, ErrorTransient, true},
		{"bad request", live, 400, nil, ErrorInvalidRequest, false},
		{"unauthorized", live, 401, nil, ErrorInvalidRequest, false},
		{"cancelled", live, 0, context.Canceled, ErrorCancelled, false},
		{"caller deadline", done, 0, context.DeadlineExceeded, ErrorCancelled, false},
		{"upstream timeout", live, 0, context.DeadlineExceeded, ErrorTransient, true},
		{"no status", live, 0, io.ErrUnexpectedEOF, ErrorInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := classify(tt.ctx, "test", tt.status, tt.err)
			assert.Equal(t, tt.want, ce.Type)
			assert.Equal(t, tt.retryable, ce.Type.IsRetryable())
		})
	}
}

func TestCallErrorUnwraps(t *testing.T) {
	ce := classify(context.Background(), "test", 0, context.Canceled)
	assert.ErrorIs(t, ce, context.Canceled)
	assert.Contains(t, ce.Error(), "cancelled")
}

func TestTokenCountAdapter(t *testing.T) {
	est, err := assembler.NewEstimator("chars4")
	require.NoError(t, err)
	a := NewTokenCountAdapter(est)
	assert.Equal(t, "tokencount", a.Name())

	res, err := a.Call(context.Background(), &Request{
		Tool:   chatTool(""),
		Prompt: "0123456789ab", // 12 chars, 3 tokens at 4 chars each
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "3 tokens")

	var payload struct {
		Tokens    int    `json:"tokens"`
		Estimator string `json:"estimator"`
	}
	require.NoError(t, json.Unmarshal(res.Structured, &payload))
	assert.Equal(t, 3, payload.Tokens)
	assert.Equal(t, "chars4", payload.Estimator)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Call(ctx, &Request{Tool: chatTool(""), Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIAdapterCall(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "four"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9}
		}`)
	}))
	defer server.Close()

	a := NewOpenAIAdapter("key", server.URL+"/v1", nil, fastRetry(), nil)
	session := &models.Session{History: []models.HistoryMessage{
		{Role: "user", Text: "remember 2+2"},
		{Role: "assistant", Text: "noted"},
	}}
	res, err := a.Call(context.Background(), &Request{
		Tool:    chatTool("gpt-4o"),
		Prompt:  "what did I ask?",
		Kwargs:  map[string]any{"system": "be terse", "temperature": 0.2},
		Session: session,
	})
	require.NoError(t, err)
	assert.Equal(t, "four", res.Text)
	assert.Equal(t, 7, res.Usage.InputTokens)
	assert.Equal(t, 2, res.Usage.OutputTokens)
	assert.Equal(t, models.ContinuationNone, res.ContinuationKind)

	var sent struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "gpt-4o", sent.Model)
	require.Len(t, sent.Messages, 4) // system + 2 history + user
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "remember 2+2", sent.Messages[1].Content)
	assert.Equal(t, "what did I ask?", sent.Messages[3].Content)
}

func TestOpenAIAdapterNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "bad model", "type": "invalid_request_error"}}`)
	}))
	defer server.Close()

	a := NewOpenAIAdapter("key", server.URL+"/v1", nil, fastRetry(), nil)
	_, err := a.Call(context.Background(), &Request{Tool: chatTool("gpt-4o"), Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorInvalidRequest, ce.Type)
}

func TestGeminiAdapterCall(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates": [{"content": {"parts": [{"text": "the answer"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 3, "totalTokenCount": 8}
		}`)
	}))
	defer server.Close()

	retriever := &stubRetriever{hits: []vectorstore.SearchHit{{Text: "indexed passage", Score: 0.8}}}
	a := NewGeminiAdapter("key", server.URL, retriever, fastRetry(), nil)
	res, err := a.Call(context.Background(), &Request{
		Tool:           chatTool("gemini-2.0-flash"),
		Prompt:         "question",
		Kwargs:         map[string]any{"temperature": 0.5, "max_output_tokens": float64(256)},
		VectorStoreIDs: []string{"vs_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Text)
	assert.Equal(t, 5, res.Usage.InputTokens)
	assert.Equal(t, 3, res.Usage.OutputTokens)

	body := string(gotBody)
	assert.Contains(t, body, "indexed passage")
	assert.Contains(t, body, "question")
	assert.Contains(t, body, "maxOutputTokens")
}

func TestGeminiAdapterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`)
			return
		}
		io.WriteString(w, `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`)
	}))
	defer server.Close()

	a := NewGeminiAdapter("key", server.URL, nil, fastRetry(), nil)
	res, err := a.Call(context.Background(), &Request{Tool: chatTool("gemini-2.0-flash"), Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"Here you go:\n{\"a\": 1}", `{"a": 1}`},
		{`[1, 2]`, `[1, 2]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractJSON(tt.in))
	}
}

func TestEncodeImageRejectsUnknownType(t *testing.T) {
	_, err := encodeImage("/tmp/file.tiff")
	assert.Error(t, err)
}
