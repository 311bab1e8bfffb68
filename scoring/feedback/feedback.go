/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package feedback carries the output of a scoring run: feedback score batch
// items appended against traces or threads. The pipeline never updates a score
// in place; each run appends new rows, and deduplication (if any) is the
// storage layer's concern.
package feedback

import (
	"context"
	"errors"
	"net"
	"syscall"

	"chainguard.dev/evalflow/retry"
)

// Source tags where a feedback score came from.
type Source string

// SourceOnlineScoring marks scores produced by the automation-rule pipeline.
const SourceOnlineScoring Source = "online_scoring"

// Score is one feedback score batch item. Trace-rule scores target TraceID;
// thread-rule scores target ThreadID plus ThreadModelID.
type Score struct {
	ProjectID    string  `json:"project_id"`
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	CategoryName string  `json:"category_name,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Source       Source  `json:"source"`

	TraceID       string `json:"trace_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	ThreadModelID string `json:"thread_model_id,omitempty"`
}

// Store is the batch-append surface the score persistence layer presents.
// Appends are not idempotent: a redelivered message appends duplicate rows,
// which is the accepted limitation of the at-least-once queue boundary.
type Store interface {
	ScoreBatchOfTraces(ctx context.Context, workspaceID string, scores []Score) error
	ScoreBatchOfThreads(ctx context.Context, workspaceID string, scores []Score) error
}

// Writer wraps a Store with bounded-backoff retries for transient infra
// errors at the persistence-call boundary. Whole-message retries happen
// nowhere; this is the only retry layer between scorer and store.
type Writer struct {
	store Store
	cfg   retry.Config
}

// NewWriter creates a Writer with the persistence retry defaults.
func NewWriter(store Store) *Writer {
	return &Writer{
		store: store,
		cfg:   retry.PersistenceConfig(),
	}
}

// ScoreBatchOfTraces appends trace scores, retrying transient failures.
func (w *Writer) ScoreBatchOfTraces(ctx context.Context, workspaceID string, scores []Score) error {
	if len(scores) == 0 {
		return nil
	}
	_, err := retry.Do(ctx, w.cfg, "score_batch_traces", isTransient, func() (struct{}, error) {
		return struct{}{}, w.store.ScoreBatchOfTraces(ctx, workspaceID, scores)
	})
	return err
}

// ScoreBatchOfThreads appends thread scores, retrying transient failures.
func (w *Writer) ScoreBatchOfThreads(ctx context.Context, workspaceID string, scores []Score) error {
	if len(scores) == 0 {
		return nil
	}
	_, err := retry.Do(ctx, w.cfg, "score_batch_threads", isTransient, func() (struct{}, error) {
		return struct{}{}, w.store.ScoreBatchOfThreads(ctx, workspaceID, scores)
	})
	return err
}

// ErrTransient lets stores flag an error as retryable without exposing their
// driver's error types.
var ErrTransient = errors.New("transient persistence error")

// isTransient classifies persistence errors worth a retry: connection-level
// failures and anything wrapped in ErrTransient. Rejections (constraint
// violations, bad input) are not retryable.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
