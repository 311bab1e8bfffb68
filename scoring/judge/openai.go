/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package judge

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"chainguard.dev/evalflow/retry"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

// openAIJudge scores with the OpenAI chat completions API.
type openAIJudge struct {
	client      openai.Client
	retryConfig retry.Config
}

func newOpenAI(apiKey string) *openAIJudge {
	return &openAIJudge{
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		retryConfig: retry.ProviderConfig(),
	}
}

func (j *openAIJudge) ScoreTrace(ctx context.Context, spec *rules.JudgeSpec, tr traces.Trace) ([]Result, error) {
	rendered, err := buildTracePrompt(spec, tr)
	if err != nil {
		return nil, err
	}
	return j.score(ctx, spec, rendered)
}

func (j *openAIJudge) ScoreThread(ctx context.Context, spec *rules.JudgeSpec, conversation []traces.Trace) ([]Result, error) {
	rendered, err := buildThreadPrompt(spec, conversation)
	if err != nil {
		return nil, err
	}
	return j.score(ctx, spec, rendered)
}

func (j *openAIJudge) score(ctx context.Context, spec *rules.JudgeSpec, rendered string) ([]Result, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(spec.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(rendered),
		},
		Temperature: openai.Float(0.0),
	}

	completion, err := retry.Do(ctx, j.retryConfig, "judge_completion", isRetryableOpenAIError, func() (*openai.ChatCompletion, error) {
		return j.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("calling openai: %w", err)
	}

	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return nil, errors.New("openai response contained no text content")
	}
	return parseResults(completion.Choices[0].Message.Content, spec.Metrics)
}

// isRetryableOpenAIError reports whether an error is a retryable OpenAI API
// error: rate limit or transient server errors.
func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}
