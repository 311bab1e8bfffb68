/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package traces holds the trace and conversation-thread model consumed by the
// scoring pipeline, plus the read-side interfaces presented by the storage
// layer. The pipeline only reads traces and sampling decisions, and writes the
// scoredAt watermark; everything else about these entities is owned elsewhere.
package traces

import (
	"context"
	"encoding/json"
	"time"
)

// ThreadStatus is the lifecycle status of a conversation thread.
type ThreadStatus string

const (
	// ThreadActive marks a thread that is still receiving traces.
	ThreadActive ThreadStatus = "active"
	// ThreadInactive marks a closed thread, eligible for scoring.
	ThreadInactive ThreadStatus = "inactive"
)

// Trace is one observed model interaction. Input, Output and Metadata are kept
// as raw JSON because rule prompts address into them by path; the pipeline
// never interprets their shape itself.
type Trace struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	WorkspaceID string          `json:"workspace_id"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time,omitempty"`
}

// ThreadModel is a conversation thread as a first-class entity. The sampling
// map carries one precomputed decision per automation rule; the probabilistic
// draw happens at ingestion, not here.
type ThreadModel struct {
	ID       string       `json:"id"`
	ThreadID string       `json:"thread_id"`
	Status   ThreadStatus `json:"status"`
	// Sampling maps rule id to the sampled decision made at ingestion time.
	// A rule present with false is a normal below-rate outcome, not an error.
	Sampling map[string]bool `json:"sampling,omitempty"`
	ScoredAt *time.Time      `json:"scored_at,omitempty"`
}

// Reader is the read surface the storage layer presents to the scoring
// pipeline.
type Reader interface {
	// TracesForThread returns all traces belonging to the thread, sorted by
	// trace id so prompt construction is reproducible. An empty slice (not an
	// error) is returned for threads without content.
	TracesForThread(ctx context.Context, projectID, threadID string) ([]Trace, error)

	// ThreadModelID resolves the external thread id to the thread model id.
	ThreadModelID(ctx context.Context, projectID, threadID string) (string, error)
}

// Watermarker is the single write the pipeline performs against thread state:
// advancing scoredAt for a batch of threads once a scoring message is handled.
type Watermarker interface {
	SetScoredAt(ctx context.Context, projectID string, threadIDs []string, at time.Time) error
}
