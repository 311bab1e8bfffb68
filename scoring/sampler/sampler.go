/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sampler turns batches of closed threads into scoring enqueues. The
// probabilistic draw already happened at ingestion and lives in each thread's
// per-rule sampling map; this stage only partitions on its outcome and
// publishes one message per (rule, thread-id-set). Enqueueing is
// fire-and-forget: a queue failure is logged and dropped so it can never block
// the thread-closing transaction that triggered it.
package sampler

import (
	"context"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/evalflow/scoring/queue"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

// Enqueuer is the queue surface the sampler publishes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Partition groups thread ids by rule id using each thread's precomputed
// sampling decision. Only threads whose map holds true for a rule appear under
// that rule; a false entry is the normal below-rate outcome, not an error.
// Per-rule thread order follows the input order, so re-running the partition
// on the same input yields the same grouping.
func Partition(threads []traces.ThreadModel) map[string][]string {
	byRule := make(map[string][]string)
	for _, th := range threads {
		for ruleID, sampled := range th.Sampling {
			if sampled {
				byRule[ruleID] = append(byRule[ruleID], th.ThreadID)
			}
		}
	}
	return byRule
}

// Sampler publishes scoring messages for closed threads.
type Sampler struct {
	enqueuer Enqueuer
}

// New creates a Sampler publishing through the given enqueuer.
func New(enqueuer Enqueuer) *Sampler {
	return &Sampler{enqueuer: enqueuer}
}

// OnThreadsClosed partitions the closed threads and enqueues one message per
// thread-scoped, enabled rule that sampled at least one of them. There is no
// cross-rule ordering guarantee. Errors are logged, never returned.
func (s *Sampler) OnThreadsClosed(ctx context.Context, workspaceID, projectID, userName string, ruleSet []rules.Rule, threads []traces.ThreadModel) {
	log := clog.FromContext(ctx).With("project_id", projectID)
	byRule := Partition(threads)

	for _, rule := range ruleSet {
		kind, err := rule.Type.EntityKind()
		if err != nil {
			log.With("rule_id", rule.ID).With("error", err).
				Warn("Skipping rule with unknown type")
			continue
		}
		if kind != rules.EntityThread || !rule.Enabled {
			continue
		}

		threadIDs := byRule[rule.ID]
		if len(threadIDs) == 0 {
			continue
		}

		msg := queue.Message{
			WorkspaceID: workspaceID,
			ProjectID:   projectID,
			RuleID:      rule.ID,
			RuleType:    rule.Type,
			UserName:    userName,
			ThreadIDs:   threadIDs,
		}
		if err := s.enqueuer.Enqueue(ctx, msg); err != nil {
			log.With("rule_id", rule.ID).With("threads", len(threadIDs)).With("error", err).
				Warn("Failed to enqueue scoring message")
		}
	}
}
