/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package platform is the HTTP client for the platform backend's private API.
//
// The scoring and webhook workers are stateless: rules, traces, feedback
// scores, and alert configuration all live behind the backend's REST surface.
// This client implements the narrow read/write interfaces the pipeline
// consumes (rules.Store, traces.Reader, traces.Watermarker, feedback.Store,
// webhook.EndpointResolver) so the workers never touch the database directly.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chainguard.dev/evalflow/scoring/feedback"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
	"chainguard.dev/evalflow/webhook"
)

const (
	// workspaceHeader scopes private API calls to a workspace.
	workspaceHeader = "X-Workspace"

	// maxResponseSize bounds API response bodies.
	maxResponseSize = 50 * 1024 * 1024

	defaultTimeout = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client calls the backend's private API on behalf of the workers.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// interfaces the pipeline wires this client into.
var (
	_ rules.Store              = (*Client)(nil)
	_ traces.Reader            = (*Client)(nil)
	_ traces.Watermarker       = (*Client)(nil)
	_ feedback.Store           = (*Client)(nil)
	_ webhook.EndpointResolver = (*Client)(nil)
)

// NewClient creates a client for the backend at baseURL authenticating with
// apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request is one API call; zero-value fields are omitted.
type request struct {
	method    string
	path      string
	query     url.Values
	workspace string
	body      any
	result    any
	// notFound, when non-nil, is returned for 404 instead of a plain error.
	notFound error
}

func (c *Client) do(ctx context.Context, req *request) error {
	var body io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(encoded)
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.workspace != "" {
		httpReq.Header.Set(workspaceHeader, req.workspace)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Connection-level failures are the transient class persistence
		// callers retry.
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", req.method, req.path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && req.notFound != nil:
		return req.notFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s %s returned %d: %s: %w",
			req.method, req.path, resp.StatusCode, respBody, feedback.ErrTransient)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s %s returned %d: %s", req.method, req.path, resp.StatusCode, respBody)
	}

	if req.result != nil {
		if err := json.Unmarshal(respBody, req.result); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", req.method, req.path, err)
		}
	}
	return nil
}

// FindByID implements rules.Store.
func (c *Client) FindByID(ctx context.Context, ruleID, projectID, workspaceID string) (*rules.Rule, error) {
	var rule rules.Rule
	err := c.do(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("/v1/private/automations/evaluators/%s", url.PathEscape(ruleID)),
		query:     url.Values{"project_id": {projectID}},
		workspace: workspaceID,
		result:    &rule,
		notFound:  rules.ErrNotFound,
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// TracesForThread implements traces.Reader.
func (c *Client) TracesForThread(ctx context.Context, projectID, threadID string) ([]traces.Trace, error) {
	var page struct {
		Traces []traces.Trace `json:"traces"`
	}
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   "/v1/private/traces",
		query: url.Values{
			"project_id": {projectID},
			"thread_id":  {threadID},
		},
		result: &page,
	})
	if err != nil {
		return nil, err
	}
	return page.Traces, nil
}

// ThreadModelID implements traces.Reader.
func (c *Client) ThreadModelID(ctx context.Context, projectID, threadID string) (string, error) {
	var model traces.ThreadModel
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/v1/private/traces/threads/%s", url.PathEscape(threadID)),
		query:  url.Values{"project_id": {projectID}},
		result: &model,
	})
	if err != nil {
		return "", err
	}
	return model.ID, nil
}

// SetScoredAt implements traces.Watermarker.
func (c *Client) SetScoredAt(ctx context.Context, projectID string, threadIDs []string, at time.Time) error {
	return c.do(ctx, &request{
		method: http.MethodPut,
		path:   "/v1/private/traces/threads/scored-at",
		body: map[string]any{
			"project_id": projectID,
			"thread_ids": threadIDs,
			"scored_at":  at.UTC(),
		},
	})
}

// ScoreBatchOfTraces implements feedback.Store.
func (c *Client) ScoreBatchOfTraces(ctx context.Context, workspaceID string, scores []feedback.Score) error {
	return c.do(ctx, &request{
		method:    http.MethodPut,
		path:      "/v1/private/traces/feedback-scores",
		workspace: workspaceID,
		body:      map[string]any{"scores": scores},
	})
}

// ScoreBatchOfThreads implements feedback.Store.
func (c *Client) ScoreBatchOfThreads(ctx context.Context, workspaceID string, scores []feedback.Score) error {
	return c.do(ctx, &request{
		method:    http.MethodPut,
		path:      "/v1/private/traces/threads/feedback-scores",
		workspace: workspaceID,
		body:      map[string]any{"scores": scores},
	})
}

// Endpoint implements webhook.EndpointResolver.
func (c *Client) Endpoint(ctx context.Context, alertID string) (webhook.Endpoint, error) {
	var out struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	err := c.do(ctx, &request{
		method: http.MethodGet,
		path:   fmt.Sprintf("/v1/private/alerts/%s/webhook", url.PathEscape(alertID)),
		result: &out,
	})
	if err != nil {
		return webhook.Endpoint{}, err
	}
	return webhook.Endpoint{URL: out.URL, Secret: out.Secret}, nil
}
