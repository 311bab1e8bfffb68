/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keySep separates alert id from event type in pending-set members. Both
// halves are UUIDs or dotted event names and never contain it.
const keySep = "|"

// recordScript appends the event envelope to the bucket list and marks the
// key pending in one atomic step, so a crash can never leave a bucket without
// its pending marker. KEYS[1] = bucket list, KEYS[2] = pending set,
// ARGV[1] = envelope, ARGV[2] = pending member.
var recordScript = redis.NewScript(`
redis.call("rpush", KEYS[1], ARGV[1])
redis.call("sadd", KEYS[2], ARGV[2])
return redis.call("llen", KEYS[1])
`)

// deleteScript removes the bucket and its pending marker atomically.
var deleteScript = redis.NewScript(`
redis.call("del", KEYS[1])
return redis.call("srem", KEYS[2], ARGV[1])
`)

// Key identifies one debounce bucket: events for the same alert and event
// type coalesce into one notification per drain.
type Key struct {
	AlertID   string
	EventType string
}

func (k Key) member() string {
	return k.AlertID + keySep + k.EventType
}

func parseMember(member string) (Key, error) {
	alertID, eventType, ok := strings.Cut(member, keySep)
	if !ok {
		return Key{}, fmt.Errorf("malformed pending member %q", member)
	}
	return Key{AlertID: alertID, EventType: eventType}, nil
}

// Event is one buffered webhook-triggering event.
type Event struct {
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Aggregator accumulates webhook-triggering events into per-key Redis
// buckets. Reads are non-destructive; only Delete drains, and only after the
// processor has dispatched the bucket's notification.
type Aggregator struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewAggregator creates an aggregator namespaced under prefix.
func NewAggregator(client redis.UniversalClient, prefix string) *Aggregator {
	return &Aggregator{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (a *Aggregator) bucketKey(k Key) string {
	return a.prefix + ":webhook:bucket:" + k.member()
}

func (a *Aggregator) pendingKey() string {
	return a.prefix + ":webhook:pending"
}

// RecordEvent appends payload to the key's bucket and marks the key pending.
// Marking is idempotent: any number of events for one key yield one pending
// entry.
func (a *Aggregator) RecordEvent(ctx context.Context, k Key, payload json.RawMessage) error {
	envelope, err := json.Marshal(Event{
		RecordedAt: a.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("encoding event envelope: %w", err)
	}
	if err := recordScript.Run(ctx, a.client,
		[]string{a.bucketKey(k), a.pendingKey()},
		envelope, k.member()).Err(); err != nil {
		return fmt.Errorf("recording event for %s/%s: %w", k.AlertID, k.EventType, err)
	}
	return nil
}

// PendingKeys returns every key with a bucket awaiting dispatch. The read is
// non-destructive.
func (a *Aggregator) PendingKeys(ctx context.Context) ([]Key, error) {
	members, err := a.client.SMembers(ctx, a.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending webhook keys: %w", err)
	}
	keys := make([]Key, 0, len(members))
	for _, member := range members {
		k, err := parseMember(member)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Events returns the key's full accumulated bucket without draining it.
func (a *Aggregator) Events(ctx context.Context, k Key) ([]Event, error) {
	raw, err := a.client.LRange(ctx, a.bucketKey(k), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading bucket for %s/%s: %w", k.AlertID, k.EventType, err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decoding buffered event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Delete removes the key's bucket and pending marker in one atomic step.
// Call only after the bucket's notification was dispatched; events recorded
// after the delete start a fresh bucket.
func (a *Aggregator) Delete(ctx context.Context, k Key) error {
	if err := deleteScript.Run(ctx, a.client,
		[]string{a.bucketKey(k), a.pendingKey()},
		k.member()).Err(); err != nil {
		return fmt.Errorf("deleting bucket for %s/%s: %w", k.AlertID, k.EventType, err)
	}
	return nil
}
