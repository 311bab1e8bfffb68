/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/redis/go-redis/v9"

	"chainguard.dev/evalflow/scoring/rules"
)

// Handler processes one dequeued scoring message. A returned error is logged
// and the message is still acknowledged: evaluator failures are surfaced to
// the rule owner, not silently retried against a failing provider.
type Handler func(ctx context.Context, msg Message) error

// ConsumerOptions configures a stream consumer. Zero values take defaults.
type ConsumerOptions struct {
	// Group is the consumer group name (default "evalflow-scoring").
	Group string
	// Name identifies this consumer within the group.
	Name string
	// PollInterval is the idle wait between empty reads (default 500ms).
	PollInterval time.Duration
	// BatchSize is the maximum entries read per poll (default 10).
	BatchSize int64
	// ClaimIdle is how long an entry may sit pending on a dead consumer
	// before this one claims it (default 1m).
	ClaimIdle time.Duration
}

func (o *ConsumerOptions) defaults() {
	if o.Group == "" {
		o.Group = "evalflow-scoring"
	}
	if o.Name == "" {
		o.Name = "consumer-1"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = time.Minute
	}
}

// Consumer dequeues one rule type's stream through a consumer group and hands
// each message to its handler. Messages are acknowledged whether the handler
// succeeds or fails; only process death leaves entries pending, and those are
// claimed back on a later poll.
type Consumer struct {
	client  redis.UniversalClient
	stream  string
	handler Handler
	opts    ConsumerOptions
}

// NewConsumer creates a consumer for the given rule type's stream.
func NewConsumer(client redis.UniversalClient, prefix string, ruleType rules.Type, handler Handler, opts ConsumerOptions) *Consumer {
	opts.defaults()
	return &Consumer{
		client:  client,
		stream:  StreamFor(prefix, ruleType),
		handler: handler,
		opts:    opts,
	}
}

// Run consumes until ctx is done. It returns ctx.Err() on shutdown and a
// non-nil error only for unrecoverable infrastructure failures at startup.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	log := clog.FromContext(ctx).With("stream", c.stream).With("group", c.opts.Group)
	log.Info("Starting scoring consumer")

	for {
		select {
		case <-ctx.Done():
			log.Info("Scoring consumer shutting down")
			return ctx.Err()
		default:
		}

		handled, err := c.poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.With("error", err).Warn("Poll failed, backing off")
		}
		if handled == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.PollInterval):
			}
		}
	}
}

// ensureGroup creates the consumer group, tolerating concurrent creation.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", c.stream, err)
	}
	return nil
}

// poll claims orphaned entries, reads new ones, and handles everything read.
// Returns the number of entries handled.
func (c *Consumer) poll(ctx context.Context) (int, error) {
	var entries []redis.XMessage

	// Recover entries stranded by a dead consumer first.
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Name,
		MinIdle:  c.opts.ClaimIdle,
		Start:    "0-0",
		Count:    c.opts.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		clog.FromContext(ctx).With("stream", c.stream).With("error", err).
			Warn("Failed to claim orphaned entries")
	} else {
		entries = append(entries, claimed...)
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Name,
		Streams:  []string{c.stream, ">"},
		Count:    c.opts.BatchSize,
		Block:    -1, // non-blocking; the Run loop paces polling
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return len(entries), fmt.Errorf("reading %s: %w", c.stream, err)
	}
	for _, s := range streams {
		entries = append(entries, s.Messages...)
	}

	for _, entry := range entries {
		c.handle(ctx, entry)
	}
	return len(entries), nil
}

// handle decodes and processes one entry, then acknowledges it regardless of
// outcome. Malformed payloads are logged and dropped; handler errors are the
// handler's to surface (user log) and do not trigger redelivery.
func (c *Consumer) handle(ctx context.Context, entry redis.XMessage) {
	log := clog.FromContext(ctx).With("stream", c.stream).With("entry_id", entry.ID)

	defer func() {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.client.XAck(ackCtx, c.stream, c.opts.Group, entry.ID).Err(); err != nil {
			log.With("error", err).Warn("Failed to acknowledge entry")
		}
	}()

	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		log.Warn("Dropping entry without payload field")
		return
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.With("error", err).Warn("Dropping undecodable scoring message")
		return
	}

	if err := c.handler(ctx, msg); err != nil {
		log.With("rule_id", msg.RuleID).With("error", err).
			Warn("Scoring message handling failed")
	}
}
