package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter drives Claude models over the Messages API. Like the
// OpenAI adapter it replays compacted session history for continuity; the
// Messages API has no server-side conversation state.
type AnthropicAdapter struct {
	client    anthropic.Client
	retriever Retriever
	retry     retry.Config
	logger    *slog.Logger
}

// NewAnthropicAdapter builds the adapter. baseURL empty means the public API.
func NewAnthropicAdapter(apiKey, baseURL string, retriever Retriever, retryCfg retry.Config, logger *slog.Logger) *AnthropicAdapter {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(options...),
		retriever: retriever,
		retry:     retryCfg,
		logger:    logger.With("component", "adapter", "provider", "anthropic"),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Call(ctx context.Context, req *Request) (*Result, error) {
	params, err := a.buildParams(ctx, req)
	if err != nil {
		return nil, err
	}

	msg, result := retry.DoWithValue(ctx, a.retry, func() (*anthropic.Message, error) {
		msg, err := a.client.Messages.New(ctx, *params)
		if err != nil {
			return nil, asRetryErr(classify(ctx, "anthropic", anthropicStatus(err), err))
		}
		return msg, nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("anthropic call: %w", result.Err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	out := &Result{
		Text: sb.String(),
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		ContinuationKind: models.ContinuationNone,
	}
	if len(req.OutputSchema) > 0 {
		out.Structured = json.RawMessage(extractJSON(out.Text))
	}
	a.logger.Debug("call completed",
		"model", params.Model,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens)
	return out, nil
}

func (a *AnthropicAdapter) buildParams(ctx context.Context, req *Request) (*anthropic.MessageNewParams, error) {
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Tool.ModelName),
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if v, ok := intArg(req.Kwargs, "max_output_tokens"); ok {
		params.MaxTokens = int64(v)
	}
	if system, ok := stringArg(req.Kwargs, "system"); ok {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if v, ok := floatArg(req.Kwargs, "temperature"); ok {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := floatArg(req.Kwargs, "top_p"); ok {
		params.TopP = anthropic.Float(v)
	}
	if effort, ok := stringArg(req.Kwargs, "reasoning_effort"); ok {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget(effort))
	}

	if req.Session != nil {
		for _, msg := range req.Session.History {
			block := anthropic.NewTextBlock(msg.Text)
			if msg.Role == "assistant" {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
			} else {
				params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
			}
		}
	}

	prompt := req.Prompt
	if retrieved := retrievedContext(ctx, a.retriever, req.VectorStoreIDs, req.Prompt); retrieved != "" {
		prompt = retrieved + prompt
	}
	if len(req.OutputSchema) > 0 {
		// The Messages API has no response-format parameter; the schema goes
		// into the prompt and the router validates the reply.
		prompt += "\n\nRespond with a single JSON object matching this JSON Schema, and nothing else:\n" + string(req.OutputSchema)
	}

	content := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)}
	for _, ref := range req.Images {
		img, err := encodeImage(ref.AbsPath)
		if err != nil {
			return nil, &CallError{Type: ErrorInvalidRequest, Provider: "anthropic", Cause: err}
		}
		content = append(content, anthropic.NewImageBlockBase64(img.MIME, img.Data))
	}
	params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
	return params, nil
}

func thinkingBudget(effort string) int64 {
	switch effort {
	case "high":
		return 16384
	case "medium":
		return 8192
	default:
		return 2048
	}
}

// extractJSON trims code fences and surrounding prose that models sometimes
// wrap around a requested JSON object.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.IndexAny(trimmed, "{[")
	if start > 0 {
		trimmed = trimmed[start:]
	}
	return trimmed
}

// anthropicStatus extracts the HTTP status from an SDK error, 0 if absent.
func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
