/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package judge

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

// Result is one metric score produced by a judge call.
type Result struct {
	// Name is the metric name, matching an entry in the rule's metric list.
	Name string `json:"name"`
	// Value is the score from 0.0 (awful) to 1.0 (ideal).
	Value float64 `json:"value"`
	// Category is an optional categorical label for the score.
	Category string `json:"category,omitempty"`
	// Reason explains the score.
	Reason string `json:"reason,omitempty"`
}

// Interface defines the contract for judge implementations.
type Interface interface {
	// ScoreTrace evaluates a single trace against the rule's prompt, with the
	// rule's variable mapping resolved against the trace payload.
	ScoreTrace(ctx context.Context, spec *rules.JudgeSpec, tr traces.Trace) ([]Result, error)

	// ScoreThread evaluates a whole conversation, rendered as a transcript of
	// the thread's traces in trace-id order.
	ScoreThread(ctx context.Context, spec *rules.JudgeSpec, conversation []traces.Trace) ([]Result, error)
}

// Config selects and authenticates the chat-completion backend.
type Config struct {
	// AnthropicAPIKey authenticates rules.ProviderAnthropic rules.
	AnthropicAPIKey string
	// OpenAIAPIKey authenticates rules.ProviderOpenAI rules.
	OpenAIAPIKey string
}

// New creates a judge for the given provider. The provider switch is the one
// dispatch point for judge backends; adding a provider means extending it.
func New(provider rules.Provider, cfg Config) (Interface, error) {
	switch provider {
	case rules.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("anthropic api key is required")
		}
		return newClaude(cfg.AnthropicAPIKey), nil
	case rules.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("openai api key is required")
		}
		return newOpenAI(cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported judge provider %q", provider)
	}
}
