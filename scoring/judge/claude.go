/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package judge

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"chainguard.dev/evalflow/retry"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

const judgeMaxTokens = 1024

// claudeJudge scores with the Anthropic Messages API.
type claudeJudge struct {
	client      anthropic.Client
	retryConfig retry.Config
}

func newClaude(apiKey string) *claudeJudge {
	return &claudeJudge{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		retryConfig: retry.ProviderConfig(),
	}
}

func (j *claudeJudge) ScoreTrace(ctx context.Context, spec *rules.JudgeSpec, tr traces.Trace) ([]Result, error) {
	rendered, err := buildTracePrompt(spec, tr)
	if err != nil {
		return nil, err
	}
	return j.score(ctx, spec, rendered)
}

func (j *claudeJudge) ScoreThread(ctx context.Context, spec *rules.JudgeSpec, conversation []traces.Trace) ([]Result, error) {
	rendered, err := buildThreadPrompt(spec, conversation)
	if err != nil {
		return nil, err
	}
	return j.score(ctx, spec, rendered)
}

func (j *claudeJudge) score(ctx context.Context, spec *rules.JudgeSpec, rendered string) ([]Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(spec.Model),
		MaxTokens: judgeMaxTokens,
		// Judges should be deterministic; temperature stays at zero.
		Temperature: anthropic.Float(0.0),
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(rendered),
			},
		}},
	}

	message, err := retry.Do(ctx, j.retryConfig, "judge_message", isRetryableClaudeError, func() (*anthropic.Message, error) {
		return j.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("calling anthropic: %w", err)
	}

	var textContent string
	for _, content := range message.Content {
		if content.Type == "text" {
			textContent = content.Text
		}
	}
	if textContent == "" {
		return nil, errors.New("anthropic response contained no text content")
	}
	return parseResults(textContent, spec.Metrics)
}

// isRetryableClaudeError reports whether an error is a retryable Anthropic
// API error: rate limit, overloaded, or transient server errors.
func isRetryableClaudeError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 503, 504, 529:
			return true
		}
	}
	return false
}
