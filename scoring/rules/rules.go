/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package rules defines automation rules: which entities get scored, how often,
// and by which evaluator. A rule is a tagged union over evaluator kind
// (LLM-as-judge or Python user-defined metric) and entity kind (trace or
// thread); the one dispatch point is Type, matched exhaustively by the
// consumer registry. Rules are created and updated by the admin API; the
// scoring pipeline only reads them.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the four rule variants.
type Type string

const (
	// LLMJudgeTrace scores individual traces with an LLM-as-judge prompt.
	LLMJudgeTrace Type = "llm_as_judge_trace"
	// LLMJudgeThread scores whole conversation threads with an LLM-as-judge prompt.
	LLMJudgeThread Type = "llm_as_judge_thread"
	// PythonTrace scores individual traces with a Python user-defined metric.
	PythonTrace Type = "python_trace"
	// PythonThread scores whole conversation threads with a Python user-defined metric.
	PythonThread Type = "python_thread"
)

// EntityKind is what a rule variant scores.
type EntityKind string

const (
	// EntityTrace variants score one trace per message.
	EntityTrace EntityKind = "trace"
	// EntityThread variants score batches of closed threads.
	EntityThread EntityKind = "thread"
)

// EntityKind returns the entity kind a rule type scores.
func (t Type) EntityKind() (EntityKind, error) {
	switch t {
	case LLMJudgeTrace, PythonTrace:
		return EntityTrace, nil
	case LLMJudgeThread, PythonThread:
		return EntityThread, nil
	default:
		return "", fmt.Errorf("unknown rule type %q", t)
	}
}

// Provider selects the chat-completion backend for LLM-as-judge rules.
type Provider string

const (
	// ProviderAnthropic routes judge calls to the Anthropic API.
	ProviderAnthropic Provider = "anthropic"
	// ProviderOpenAI routes judge calls to the OpenAI API.
	ProviderOpenAI Provider = "openai"
)

// MetricSpec names one score the evaluator must produce.
type MetricSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// JudgeSpec is the per-variant configuration for LLM-as-judge rules: the
// prompt template, the mapping of its placeholders into trace fields, and the
// metrics the model must score.
type JudgeSpec struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	// Template is the rule prompt with {{name}} placeholders.
	Template string `json:"template"`
	// Variables maps placeholder names to dotted trace paths (input.question).
	// Thread rules need no mapping; the whole conversation is the context.
	Variables map[string]string `json:"variables,omitempty"`
	Metrics   []MetricSpec      `json:"metrics"`
}

// PythonSpec is the per-variant configuration for Python user-defined metrics.
type PythonSpec struct {
	// Code is the metric source submitted to the Python evaluator service.
	Code string `json:"code"`
	// Arguments maps metric argument names to dotted trace paths.
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Rule is one automation rule. Exactly one of Judge and Python is set,
// according to Type.
type Rule struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Type        Type   `json:"type"`
	// SamplingRate is the configured probability (0-1) that an entity is
	// selected for scoring. The draw itself happens at ingestion; the
	// pipeline only sees its outcome in the thread sampling map.
	SamplingRate float64         `json:"sampling_rate"`
	Enabled      bool            `json:"enabled"`
	Filters      json.RawMessage `json:"filters,omitempty"`

	Judge  *JudgeSpec  `json:"judge,omitempty"`
	Python *PythonSpec `json:"python,omitempty"`
}

// Validate checks the tagged union is well-formed.
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if r.SamplingRate < 0 || r.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v out of range [0, 1]", r.SamplingRate)
	}

	switch r.Type {
	case LLMJudgeTrace, LLMJudgeThread:
		if r.Judge == nil {
			return fmt.Errorf("rule %s: type %s requires a judge spec", r.ID, r.Type)
		}
		if r.Python != nil {
			return fmt.Errorf("rule %s: type %s must not carry a python spec", r.ID, r.Type)
		}
		if r.Judge.Template == "" {
			return fmt.Errorf("rule %s: judge template is required", r.ID)
		}
		if len(r.Judge.Metrics) == 0 {
			return fmt.Errorf("rule %s: judge rules require at least one metric", r.ID)
		}
	case PythonTrace, PythonThread:
		if r.Python == nil {
			return fmt.Errorf("rule %s: type %s requires a python spec", r.ID, r.Type)
		}
		if r.Judge != nil {
			return fmt.Errorf("rule %s: type %s must not carry a judge spec", r.ID, r.Type)
		}
		if r.Python.Code == "" {
			return fmt.Errorf("rule %s: python code is required", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	return nil
}

// ErrNotFound is returned by Store when a rule does not exist in the given
// scope. A rule deleted between enqueue and dequeue surfaces as this; it is a
// normal skip for the consumer, not a failure.
var ErrNotFound = errors.New("automation rule not found")

// Store is the rule lookup surface the admin/storage layer presents to the
// pipeline.
type Store interface {
	// FindByID returns the rule scoped to (projectID, workspaceID), or
	// ErrNotFound.
	FindByID(ctx context.Context, ruleID, projectID, workspaceID string) (*Rule, error)
}
