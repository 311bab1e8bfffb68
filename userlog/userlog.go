/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package userlog is the user-facing log channel for automation rules,
// distinct from the operational logs. Evaluator failures and skips are written
// here, keyed by (workspace, rule), so rule owners can see why their rule
// produced no scores without access to worker logs. Entries live on capped,
// TTL'd Redis lists; losing them is acceptable, they are a diagnostic surface,
// not a system of record.
package userlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/redis/go-redis/v9"
)

// Level is the severity of a user-facing log entry.
type Level string

const (
	// LevelInfo records normal rule activity worth showing the owner.
	LevelInfo Level = "info"
	// LevelWarn records skips (rule deleted, no traces) and degraded behavior.
	LevelWarn Level = "warn"
	// LevelError records evaluator failures tied to the rule.
	LevelError Level = "error"
)

// Entry is one user-facing log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	RuleID    string    `json:"rule_id"`
	Message   string    `json:"message"`
}

const (
	// maxEntries caps each rule's log list.
	maxEntries = 1000
	// retention is the idle TTL after which a rule's log disappears.
	retention = 7 * 24 * time.Hour
)

// Logger writes rule-scoped user-facing logs.
type Logger struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Logger writing lists under the given key prefix.
func New(client redis.UniversalClient, prefix string) *Logger {
	return &Logger{
		client: client,
		prefix: prefix,
	}
}

func (l *Logger) key(workspaceID, ruleID string) string {
	return fmt.Sprintf("%s:userlog:%s:%s", l.prefix, workspaceID, ruleID)
}

// Log appends one entry to the rule's log. Failures are reported on the
// operational log and swallowed: the user log must never fail scoring.
func (l *Logger) Log(ctx context.Context, workspaceID, ruleID string, level Level, format string, args ...any) {
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		RuleID:    ruleID,
		Message:   fmt.Sprintf(format, args...),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		clog.FromContext(ctx).With("rule_id", ruleID).With("error", err).
			Warn("Failed to encode user log entry")
		return
	}

	key := l.key(workspaceID, ruleID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, string(payload))
	pipe.LTrim(ctx, key, -maxEntries, -1)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		clog.FromContext(ctx).With("rule_id", ruleID).With("error", err).
			Warn("Failed to write user log entry")
	}
}

// Tail returns up to n most recent entries for a rule, oldest first.
func (l *Logger) Tail(ctx context.Context, workspaceID, ruleID string, n int64) ([]Entry, error) {
	raw, err := l.client.LRange(ctx, l.key(workspaceID, ruleID), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading user log for rule %s: %w", ruleID, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			// Skip undecodable lines rather than hiding the rest.
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
