// Package textgen abstracts the AI providers that draft objection text.
package textgen

import (
	"context"
	"errors"
	"fmt"
)

// Constraints bound what a provider may produce.
type Constraints struct {
	MaxWords int      `json:"max_words"`
	Tone     string   `json:"tone,omitempty"`
	Language string   `json:"language,omitempty"`
	Facts    []string `json:"facts,omitempty"`
}

// Provider is one capability-equivalent text generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, constraints Constraints) (string, error)
}

// Chain tries providers in preference order and stops at the first
// success, reporting which provider served the request.
type Chain struct {
	Providers []Provider
}

var ErrNoProviders = errors.New("no text providers configured")

// Generate falls through the chain on any failure. The per-provider errors
// are joined so a total outage is diagnosable.
func (c Chain) Generate(ctx context.Context, prompt string, constraints Constraints) (text, servedBy string, err error) {
	if len(c.Providers) == 0 {
		return "", "", ErrNoProviders
	}
	var errs []error
	for _, p := range c.Providers {
		out, genErr := p.Generate(ctx, prompt, constraints)
		if genErr == nil {
			return out, p.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), genErr))
		if ctx.Err() != nil {
			break
		}
	}
	return "", "", fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
