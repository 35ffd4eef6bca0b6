package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/pkg/models"
)

// TokenCountAdapter estimates token usage for a prompt without touching any
// provider. It backs catalog entries whose adapter field is "tokencount".
type TokenCountAdapter struct {
	estimator assembler.Estimator
}

func NewTokenCountAdapter(estimator assembler.Estimator) *TokenCountAdapter {
	return &TokenCountAdapter{estimator: estimator}
}

func (a *TokenCountAdapter) Name() string { return "tokencount" }

func (a *TokenCountAdapter) Call(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := a.estimator.Estimate(req.Prompt)
	structured, err := json.Marshal(map[string]any{
		"tokens":    tokens,
		"estimator": a.estimator.Name(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Text:             fmt.Sprintf("%d tokens (%s)", tokens, a.estimator.Name()),
		Structured:       structured,
		Usage:            models.Usage{InputTokens: tokens, TotalTokens: tokens},
		ContinuationKind: models.ContinuationNone,
	}, nil
}
