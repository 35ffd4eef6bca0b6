package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIAdapter drives OpenAI-family models over the chat completions API.
// Continuity is history-based: the broker replays the session's compacted
// history on each call, so no provider-side continuation token is returned.
type OpenAIAdapter struct {
	client    *openai.Client
	retriever Retriever
	retry     retry.Config
	logger    *slog.Logger
}

// NewOpenAIAdapter builds the adapter. baseURL empty means the public API.
func NewOpenAIAdapter(apiKey, baseURL string, retriever Retriever, retryCfg retry.Config, logger *slog.Logger) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAdapter{
		client:    openai.NewClientWithConfig(cfg),
		retriever: retriever,
		retry:     retryCfg,
		logger:    logger.With("component", "adapter", "provider", "openai"),
	}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Call(ctx context.Context, req *Request) (*Result, error) {
	chatReq, err := a.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, result := retry.DoWithValue(ctx, a.retry, func() (openai.ChatCompletionResponse, error) {
		resp, err := a.client.CreateChatCompletion(ctx, *chatReq)
		if err != nil {
			return resp, asRetryErr(classify(ctx, "openai", openaiStatus(err), err))
		}
		return resp, nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("openai call: %w", result.Err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CallError{Type: ErrorInternal, Provider: "openai", Message: "response has no choices"}
	}

	out := &Result{
		Text: resp.Choices[0].Message.Content,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		ContinuationKind: models.ContinuationNone,
	}
	if len(req.OutputSchema) > 0 {
		out.Structured = json.RawMessage(out.Text)
	}
	a.logger.Debug("call completed",
		"model", chatReq.Model,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens)
	return out, nil
}

func (a *OpenAIAdapter) buildRequest(ctx context.Context, req *Request) (*openai.ChatCompletionRequest, error) {
	chatReq := &openai.ChatCompletionRequest{Model: req.Tool.ModelName}

	if system, ok := stringArg(req.Kwargs, "system"); ok {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	if req.Session != nil {
		for _, msg := range req.Session.History {
			role := openai.ChatMessageRoleUser
			if msg.Role == "assistant" {
				role = openai.ChatMessageRoleAssistant
			}
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: msg.Text,
			})
		}
	}

	prompt := req.Prompt
	if retrieved := retrievedContext(ctx, a.retriever, req.VectorStoreIDs, req.Prompt); retrieved != "" {
		prompt = retrieved + prompt
	}

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(req.Images) > 0 {
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
		for _, ref := range req.Images {
			img, err := encodeImage(ref.AbsPath)
			if err != nil {
				return nil, &CallError{Type: ErrorInvalidRequest, Provider: "openai", Cause: err}
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    img.dataURL(),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		userMsg.MultiContent = parts
	} else {
		userMsg.Content = prompt
	}
	chatReq.Messages = append(chatReq.Messages, userMsg)

	if v, ok := floatArg(req.Kwargs, "temperature"); ok {
		chatReq.Temperature = float32(v)
	}
	if v, ok := floatArg(req.Kwargs, "top_p"); ok {
		chatReq.TopP = float32(v)
	}
	if v, ok := intArg(req.Kwargs, "max_output_tokens"); ok {
		chatReq.MaxTokens = v
	}
	if v, ok := stringArg(req.Kwargs, "reasoning_effort"); ok {
		chatReq.ReasoningEffort = v
	}

	if len(req.OutputSchema) > 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "tool_output",
				Schema: req.OutputSchema,
				Strict: true,
			},
		}
	}
	return chatReq, nil
}

// openaiStatus extracts the HTTP status from an SDK error, 0 if absent.
func openaiStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}
