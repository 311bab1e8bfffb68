/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// secretHeader carries the alert's shared secret on outbound notifications.
const secretHeader = "X-Webhook-Secret"

const dispatchTimeout = 30 * time.Second

// Notification is one consolidated outbound webhook: everything buffered for
// an alert and event type since the last drain.
type Notification struct {
	AlertID     string            `json:"alert_id"`
	EventType   string            `json:"event_type"`
	EventCount  int               `json:"event_count"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	Payloads    []json.RawMessage `json:"payloads"`
}

// NewNotification consolidates a drained bucket. Events retain the order they
// were recorded in.
func NewNotification(k Key, events []Event) Notification {
	n := Notification{
		AlertID:    k.AlertID,
		EventType:  k.EventType,
		EventCount: len(events),
		Payloads:   make([]json.RawMessage, 0, len(events)),
	}
	for i, ev := range events {
		if i == 0 {
			n.FirstSeenAt = ev.RecordedAt
		}
		n.LastSeenAt = ev.RecordedAt
		n.Payloads = append(n.Payloads, ev.Payload)
	}
	return n
}

// Endpoint is where one alert's notifications go.
type Endpoint struct {
	URL    string
	Secret string
}

// EndpointResolver looks up the configured endpoint for an alert. Alert
// configuration lives with the admin API; the processor only reads it.
type EndpointResolver interface {
	Endpoint(ctx context.Context, alertID string) (Endpoint, error)
}

// Dispatcher sends consolidated notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// HTTPDispatcher posts notifications to the alert's configured endpoint.
type HTTPDispatcher struct {
	resolver   EndpointResolver
	httpClient *http.Client
}

// NewHTTPDispatcher creates a dispatcher resolving endpoints through resolver.
func NewHTTPDispatcher(resolver EndpointResolver) *HTTPDispatcher {
	return &HTTPDispatcher{
		resolver:   resolver,
		httpClient: &http.Client{Timeout: dispatchTimeout},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, n Notification) error {
	endpoint, err := d.resolver.Endpoint(ctx, n.AlertID)
	if err != nil {
		return fmt.Errorf("resolving endpoint for alert %s: %w", n.AlertID, err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.Secret != "" {
		req.Header.Set(secretHeader, endpoint.Secret)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification for alert %s: %w", n.AlertID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a little of the body for the log line.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
