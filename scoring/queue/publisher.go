/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/redis/go-redis/v9"
)

// payloadField is the single stream entry field carrying the JSON message.
const payloadField = "payload"

// maxStreamLength caps each scoring stream; XADD trims approximately to this
// bound so a stalled consumer cannot grow Redis without limit.
const maxStreamLength = 100_000

// Publisher enqueues scoring messages onto the per-rule-type streams.
type Publisher struct {
	client redis.UniversalClient
	prefix string
}

// NewPublisher creates a publisher writing streams under the given key prefix.
func NewPublisher(client redis.UniversalClient, prefix string) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
	}
}

// Enqueue publishes one message onto its rule type's stream.
func (p *Publisher) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid scoring message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding scoring message: %w", err)
	}

	stream := StreamFor(p.prefix, msg.RuleType)
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueueing onto %s: %w", stream, err)
	}

	clog.FromContext(ctx).With("stream", stream).
		With("message_id", id).
		With("rule_id", msg.RuleID).
		Debug("Enqueued scoring message")
	return nil
}
