/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package judge provides LLM-based scoring of traces and threads using structured rubrics.
//
// A judge takes a scoring rule's prompt template, binds it to trace content,
// asks a chat-completion model to grade the content on the rule's metrics,
// and decodes the model's JSON response into scores.
//
// # Overview
//
// The judge package provides:
//   - A common Interface for different judge backends
//   - Anthropic and OpenAI implementations selected by the rule's provider
//   - Strict template rendering: a rule variable that cannot be resolved
//     against the trace is an error, never an empty substitution
//   - Transcript rendering for thread-scoped rules via the implicit
//     "context" template variable
//
// # Usage
//
//	j, err := judge.New(rule.Judge.Provider, judge.Config{AnthropicAPIKey: key})
//	if err != nil {
//		return err
//	}
//	scores, err := j.ScoreTrace(ctx, rule.Judge, trace)
//
// Scores are in the range 0.0 to 1.0. Responses scoring metrics the rule
// never asked about are filtered out.
package judge
