/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package pythonevaluator calls the Python metric evaluation service.
//
// User-defined metrics are Python code executed by a sandboxed sidecar
// service; this package submits the code plus the resolved entity data and
// decodes the resulting scores. Evaluation failures (bad code, exceptions in
// the metric) come back as an *EvaluationError carrying the Python traceback,
// which the pipeline surfaces to the rule's owner rather than retrying.
package pythonevaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	evaluatePath = "/evaluators/python"

	// maxResponseSize bounds evaluator response bodies.
	maxResponseSize = 10 * 1024 * 1024

	defaultTimeout = 2 * time.Minute
)

// entity type markers understood by the evaluator service.
const (
	typeTrace  = "trace"
	typeThread = "trace_thread"
)

// Score is one metric value produced by the user's Python code.
type Score struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason,omitempty"`
}

// EvaluationError is a failure inside the user's metric code. It is terminal:
// re-running the same code on the same data fails the same way.
type EvaluationError struct {
	Message   string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *EvaluationError) Error() string {
	if e.Traceback != "" {
		return e.Message + "\n" + e.Traceback
	}
	return e.Message
}

// Interface is the evaluation surface the scoring pipeline consumes.
type Interface interface {
	// EvaluateTrace runs code against a single trace's resolved arguments.
	EvaluateTrace(ctx context.Context, code string, data map[string]any) ([]Score, error)

	// EvaluateThread runs code against a whole conversation.
	EvaluateThread(ctx context.Context, code string, conversation []map[string]any) ([]Score, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client talks to one evaluator service endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the evaluator service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) EvaluateTrace(ctx context.Context, code string, data map[string]any) ([]Score, error) {
	return c.evaluate(ctx, code, data, typeTrace)
}

func (c *Client) EvaluateThread(ctx context.Context, code string, conversation []map[string]any) ([]Score, error) {
	return c.evaluate(ctx, code, conversation, typeThread)
}

type evaluateRequest struct {
	Code string `json:"code"`
	Data any    `json:"data"`
	Type string `json:"type"`
}

type evaluateResponse struct {
	Scores []Score `json:"scores"`
}

func (c *Client) evaluate(ctx context.Context, code string, data any, entityType string) ([]Score, error) {
	body, err := json.Marshal(evaluateRequest{Code: code, Data: data, Type: entityType})
	if err != nil {
		return nil, fmt.Errorf("encoding evaluator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+evaluatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building evaluator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling evaluator service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading evaluator response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Evaluation failures come back as a structured error payload.
		var evalErr EvaluationError
		if err := json.Unmarshal(respBody, &evalErr); err == nil && evalErr.Message != "" {
			return nil, &evalErr
		}
		return nil, fmt.Errorf("evaluator service returned %d: %s", resp.StatusCode, respBody)
	}

	var decoded evaluateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decoding evaluator response: %w", err)
	}
	return decoded.Scores, nil
}
