package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

// GeminiAdapter drives Gemini models through the Google Gen AI SDK.
type GeminiAdapter struct {
	client    *genai.Client
	clientErr error
	retriever Retriever
	retry     retry.Config
	logger    *slog.Logger
}

// NewGeminiAdapter builds the adapter. baseURL empty means the public API.
// Client construction failures surface on the first Call, not at wiring time.
func NewGeminiAdapter(apiKey, baseURL string, retriever Retriever, retryCfg retry.Config, logger *slog.Logger) *GeminiAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	client, err := genai.NewClient(context.Background(), cfg)
	return &GeminiAdapter{
		client:    client,
		clientErr: err,
		retriever: retriever,
		retry:     retryCfg,
		logger:    logger.With("component", "adapter", "provider", "gemini"),
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Call(ctx context.Context, req *Request) (*Result, error) {
	if a.clientErr != nil {
		return nil, &CallError{Type: ErrorInternal, Provider: "gemini", Cause: a.clientErr}
	}
	contents, config, err := a.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, result := retry.DoWithValue(ctx, a.retry, func() (*genai.GenerateContentResponse, error) {
		resp, err := a.client.Models.GenerateContent(ctx, req.Tool.ModelName, contents, config)
		if err != nil {
			return nil, asRetryErr(classify(ctx, "gemini", geminiStatus(err), err))
		}
		return resp, nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("gemini call: %w", result.Err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &CallError{Type: ErrorInternal, Provider: "gemini", Message: "response has no candidates"}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	out := &Result{
		Text:             sb.String(),
		ContinuationKind: models.ContinuationNone,
	}
	if resp.UsageMetadata != nil {
		out.Usage = models.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(req.OutputSchema) > 0 {
		out.Structured = json.RawMessage(extractJSON(out.Text))
	}
	a.logger.Debug("call completed",
		"model", req.Tool.ModelName,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens)
	return out, nil
}

func (a *GeminiAdapter) buildRequest(ctx context.Context, req *Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	if system, ok := stringArg(req.Kwargs, "system"); ok {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if v, ok := floatArg(req.Kwargs, "temperature"); ok {
		config.Temperature = genai.Ptr(float32(v))
	}
	if v, ok := floatArg(req.Kwargs, "top_p"); ok {
		config.TopP = genai.Ptr(float32(v))
	}
	if v, ok := intArg(req.Kwargs, "max_output_tokens"); ok {
		config.MaxOutputTokens = int32(v)
	}
	if len(req.OutputSchema) > 0 {
		// The schema itself is enforced by the caller after the call; the
		// MIME type keeps the model from wrapping JSON in prose.
		config.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	if req.Session != nil {
		for _, msg := range req.Session.History {
			role := genai.RoleUser
			if msg.Role == "assistant" {
				role = genai.RoleModel
			}
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: msg.Text}},
			})
		}
	}

	prompt := req.Prompt
	if retrieved := retrievedContext(ctx, a.retriever, req.VectorStoreIDs, req.Prompt); retrieved != "" {
		prompt = retrieved + prompt
	}
	parts := []*genai.Part{{Text: prompt}}
	for _, ref := range req.Images {
		img, err := encodeImage(ref.AbsPath)
		if err != nil {
			return nil, nil, &CallError{Type: ErrorInvalidRequest, Provider: "gemini", Cause: err}
		}
		raw, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, nil, &CallError{Type: ErrorInternal, Provider: "gemini", Cause: err}
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{Data: raw, MIMEType: img.MIME},
		})
	}
	contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})

	return contents, config, nil
}

// geminiStatus extracts the HTTP status from a Gen AI SDK error.
func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
