/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package queue is the durable boundary between trace/thread ingestion and
// scoring. Messages are published onto one Redis Stream per rule type and
// consumed by that rule type's worker through a consumer group, decoupling the
// thread-closing transaction from evaluator latency. Delivery is
// at-least-once; consumers acknowledge every message they handle, including
// skips and logged failures, so only a crashed consumer causes redelivery.
package queue

import (
	"errors"
	"fmt"

	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

// Message is one scoring request for a single rule. Trace variants embed the
// trace captured at enqueue time; thread variants carry the closed thread ids.
// Messages are immutable once published.
type Message struct {
	WorkspaceID string     `json:"workspace_id"`
	ProjectID   string     `json:"project_id"`
	RuleID      string     `json:"rule_id"`
	RuleType    rules.Type `json:"rule_type"`
	// UserName is the acting user recorded against produced scores and user logs.
	UserName string `json:"user_name,omitempty"`

	Trace     *traces.Trace `json:"trace,omitempty"`
	ThreadIDs []string      `json:"thread_ids,omitempty"`
}

// Validate checks the message matches its rule type's entity kind.
func (m Message) Validate() error {
	if m.WorkspaceID == "" {
		return errors.New("workspace id is required")
	}
	if m.ProjectID == "" {
		return errors.New("project id is required")
	}
	if m.RuleID == "" {
		return errors.New("rule id is required")
	}

	kind, err := m.RuleType.EntityKind()
	if err != nil {
		return err
	}
	switch kind {
	case rules.EntityTrace:
		if m.Trace == nil {
			return fmt.Errorf("rule type %s requires a trace", m.RuleType)
		}
		if len(m.ThreadIDs) > 0 {
			return fmt.Errorf("rule type %s must not carry thread ids", m.RuleType)
		}
	case rules.EntityThread:
		if len(m.ThreadIDs) == 0 {
			return fmt.Errorf("rule type %s requires thread ids", m.RuleType)
		}
		if m.Trace != nil {
			return fmt.Errorf("rule type %s must not carry a trace", m.RuleType)
		}
	}
	return nil
}

// StreamFor returns the stream key for a rule type under the given prefix.
func StreamFor(prefix string, t rules.Type) string {
	return prefix + ":scoring:" + string(t)
}
