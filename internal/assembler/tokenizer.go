// Package assembler walks referenced paths, classifies files, estimates
// token costs and splits the set into the inline prompt set and the
// vector-store overflow set.
package assembler

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the token cost of a text.
type Estimator interface {
	Estimate(text string) int
	Name() string
}

// NewEstimator builds the configured estimator. "chars4" selects the
// 4-chars-per-token fallback; anything else is treated as a tiktoken
// encoding name.
func NewEstimator(name string) (Estimator, error) {
	if name == "" || name == "chars4" {
		return charsEstimator{}, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("tokenizer %q: %w", name, err)
	}
	return &tiktokenEstimator{name: name, enc: enc}, nil
}

type tiktokenEstimator struct {
	name string
	enc  *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

func (e *tiktokenEstimator) Name() string { return e.name }

// charsEstimator approximates 4 characters per token.
type charsEstimator struct{}

func (charsEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func (charsEstimator) Name() string { return "chars4" }
