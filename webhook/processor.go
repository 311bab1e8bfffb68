/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/evalflow/metrics"
	"chainguard.dev/evalflow/redislock"
)

const (
	defaultTickInterval = 5 * time.Second

	// processorLockKey guards the drain so only one instance runs a tick.
	processorLockKey = "webhook-bucket-processor"

	lockTTL     = 2 * time.Minute
	tickTimeout = time.Minute
	lockWait    = 100 * time.Millisecond
)

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithTickInterval overrides the drain cadence.
func WithTickInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMetrics overrides the metrics pipeline.
func WithMetrics(m *metrics.Pipeline) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// Processor drains pending webhook buckets on a fixed cadence. Each tick
// enumerates pending keys and, for each independently, builds one
// consolidated notification, dispatches it, and deletes the bucket. A key
// whose dispatch fails is logged and left pending for the next tick; it never
// aborts its siblings. Ticks run synchronously on one goroutine, so a slow
// drain delays the next tick instead of overlapping it, and a best-effort
// lock keeps concurrent instances from draining the same buckets.
type Processor struct {
	agg        *Aggregator
	dispatcher Dispatcher
	locks      *redislock.Service
	interval   time.Duration
	metrics    *metrics.Pipeline
}

// NewProcessor creates a processor over the aggregator's buckets. locks may
// be nil when only one instance runs, e.g. in tests.
func NewProcessor(agg *Aggregator, dispatcher Dispatcher, locks *redislock.Service, opts ...ProcessorOption) *Processor {
	p := &Processor{
		agg:        agg,
		dispatcher: dispatcher,
		locks:      locks,
		interval:   defaultTickInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewPipeline("evalflow/webhook")
	}
	return p
}

// Run drains buckets until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	clog.InfoContextf(ctx, "Starting webhook bucket processor (interval=%s)", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs one guarded drain. Losing the lock means another instance is
// already draining; the tick becomes a no-op.
func (p *Processor) tick(ctx context.Context) {
	if p.locks == nil {
		p.Drain(ctx)
		return
	}
	_, err := redislock.BestEffort(ctx, p.locks, processorLockKey, lockTTL,
		func(ctx context.Context) (struct{}, error) {
			p.Drain(ctx)
			return struct{}{}, nil
		},
		func(context.Context) (struct{}, error) {
			return struct{}{}, nil
		},
		tickTimeout, lockWait)
	if err != nil {
		clog.FromContext(ctx).With("error", err).Warn("webhook drain failed")
	}
}

// Drain processes every currently pending key once.
func (p *Processor) Drain(ctx context.Context) {
	log := clog.FromContext(ctx)
	keys, err := p.agg.PendingKeys(ctx)
	if err != nil {
		log.With("error", err).Warn("listing pending webhook keys failed")
		return
	}
	for _, key := range keys {
		if err := p.processKey(ctx, key); err != nil {
			// Left pending; the next tick retries it.
			log.With("alert_id", key.AlertID).With("event_type", key.EventType).With("error", err).
				Warn("webhook bucket dispatch failed, leaving pending")
			p.metrics.RecordWebhookDispatch(ctx, key.EventType, false)
			continue
		}
		p.metrics.RecordWebhookDispatch(ctx, key.EventType, true)
	}
}

func (p *Processor) processKey(ctx context.Context, key Key) error {
	events, err := p.agg.Events(ctx, key)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		if err := p.dispatcher.Dispatch(ctx, NewNotification(key, events)); err != nil {
			return err
		}
	}
	// Delete only after a successful dispatch, so a bucket is never dropped
	// undelivered and never dispatched twice for the same drain.
	if err := p.agg.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting drained bucket: %w", err)
	}
	return nil
}
