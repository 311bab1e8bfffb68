/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"chainguard.dev/evalflow/redislock"
)

func newAggregator(t *testing.T) (*Aggregator, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewAggregator(client, "test"), client
}

type fakeDispatcher struct {
	mu     sync.Mutex
	sent   []Notification
	failOn map[string]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[n.AlertID]; err != nil {
		return err
	}
	f.sent = append(f.sent, n)
	return nil
}

func TestRecordEventMarksPendingOnce(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	key := Key{AlertID: "a1", EventType: "trigger.fired"}

	for i := range 3 {
		payload, _ := json.Marshal(map[string]int{"n": i})
		if err := agg.RecordEvent(ctx, key, payload); err != nil {
			t.Fatalf("RecordEvent() = %v", err)
		}
	}

	pending, err := agg.PendingKeys(ctx)
	if err != nil {
		t.Fatalf("PendingKeys() = %v", err)
	}
	if diff := cmp.Diff([]Key{key}, pending); diff != "" {
		t.Errorf("PendingKeys() mismatch (-want, +got):\n%s", diff)
	}

	events, err := agg.Events(ctx, key)
	if err != nil {
		t.Fatalf("Events() = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Events() = %d events, wanted 3", len(events))
	}
	// Order of arrival is preserved.
	for i, ev := range events {
		if want := fmt.Sprintf(`{"n":%d}`, i); string(ev.Payload) != want {
			t.Errorf("event %d payload = %s, wanted %s", i, ev.Payload, want)
		}
	}
}

func TestEventsIsNonDestructive(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	key := Key{AlertID: "a1", EventType: "trigger.fired"}
	if err := agg.RecordEvent(ctx, key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}

	for range 2 {
		events, err := agg.Events(ctx, key)
		if err != nil {
			t.Fatalf("Events() = %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("Events() = %d events, wanted 1", len(events))
		}
	}
}

func TestDeleteRemovesBucketAndMarker(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	key := Key{AlertID: "a1", EventType: "trigger.fired"}
	if err := agg.RecordEvent(ctx, key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}

	if err := agg.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	pending, err := agg.PendingKeys(ctx)
	if err != nil {
		t.Fatalf("PendingKeys() = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingKeys() = %v after delete, wanted none", pending)
	}
	events, err := agg.Events(ctx, key)
	if err != nil {
		t.Fatalf("Events() = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Events() = %v after delete, wanted none", events)
	}
}

func TestNewNotification(t *testing.T) {
	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{RecordedAt: t0, Payload: json.RawMessage(`{"a":1}`)},
		{RecordedAt: t0.Add(time.Second), Payload: json.RawMessage(`{"a":2}`)},
	}
	got := NewNotification(Key{AlertID: "a1", EventType: "trigger.fired"}, events)
	want := Notification{
		AlertID:     "a1",
		EventType:   "trigger.fired",
		EventCount:  2,
		FirstSeenAt: t0,
		LastSeenAt:  t0.Add(time.Second),
		Payloads:    []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NewNotification() mismatch (-want, +got):\n%s", diff)
	}
}

// N events for one key within a tick collapse into exactly one notification,
// and the bucket is gone afterwards.
func TestDrainDebounces(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	key := Key{AlertID: "a1", EventType: "trigger.fired"}
	for i := range 5 {
		payload, _ := json.Marshal(map[string]int{"n": i})
		if err := agg.RecordEvent(ctx, key, payload); err != nil {
			t.Fatalf("RecordEvent() = %v", err)
		}
	}

	dispatcher := &fakeDispatcher{}
	NewProcessor(agg, dispatcher, nil).Drain(ctx)

	if len(dispatcher.sent) != 1 {
		t.Fatalf("dispatched = %d notifications, wanted 1", len(dispatcher.sent))
	}
	if got := dispatcher.sent[0].EventCount; got != 5 {
		t.Errorf("notification event count = %d, wanted 5", got)
	}
	pending, _ := agg.PendingKeys(ctx)
	if len(pending) != 0 {
		t.Errorf("PendingKeys() = %v after drain, wanted none", pending)
	}
}

// A failing key is left pending and retried next drain; its siblings in the
// same drain are still dispatched and deleted.
func TestDrainIsolatesKeyFailures(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	keyA := Key{AlertID: "a1", EventType: "trigger.fired"}
	keyB := Key{AlertID: "a2", EventType: "trigger.fired"}
	if err := agg.RecordEvent(ctx, keyA, json.RawMessage(`{"k":"a"}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}
	if err := agg.RecordEvent(ctx, keyB, json.RawMessage(`{"k":"b"}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}

	dispatcher := &fakeDispatcher{failOn: map[string]error{"a1": errors.New("endpoint down")}}
	processor := NewProcessor(agg, dispatcher, nil)
	processor.Drain(ctx)

	if len(dispatcher.sent) != 1 || dispatcher.sent[0].AlertID != "a2" {
		t.Fatalf("dispatched = %+v, wanted only alert a2", dispatcher.sent)
	}
	pending, _ := agg.PendingKeys(ctx)
	if diff := cmp.Diff([]Key{keyA}, pending); diff != "" {
		t.Errorf("pending after drain mismatch (-want, +got):\n%s", diff)
	}

	// Once the endpoint recovers, the next drain delivers the held bucket.
	dispatcher.failOn = nil
	processor.Drain(ctx)
	if len(dispatcher.sent) != 2 {
		t.Fatalf("dispatched = %d notifications after retry, wanted 2", len(dispatcher.sent))
	}
}

// Two events recorded before the drain produce one consolidated notification;
// an event recorded after the delete starts a fresh bucket.
func TestDrainThenFreshBucket(t *testing.T) {
	agg, _ := newAggregator(t)
	ctx := context.Background()
	key := Key{AlertID: "a1", EventType: "trigger.fired"}
	if err := agg.RecordEvent(ctx, key, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}
	if err := agg.RecordEvent(ctx, key, json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}

	dispatcher := &fakeDispatcher{}
	processor := NewProcessor(agg, dispatcher, nil)
	processor.Drain(ctx)

	if len(dispatcher.sent) != 1 || dispatcher.sent[0].EventCount != 2 {
		t.Fatalf("dispatched = %+v, wanted one notification with both payloads", dispatcher.sent)
	}

	if err := agg.RecordEvent(ctx, key, json.RawMessage(`{"n":3}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}
	events, err := agg.Events(ctx, key)
	if err != nil {
		t.Fatalf("Events() = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("fresh bucket = %d events, wanted 1", len(events))
	}
	if got := string(events[0].Payload); got != `{"n":3}` {
		t.Errorf("fresh bucket payload = %s, wanted {\"n\":3}", got)
	}
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	agg := NewAggregator(client, "test")
	locks := redislock.New(client, "test")
	key := Key{AlertID: "a1", EventType: "trigger.fired"}
	if err := agg.RecordEvent(context.Background(), key, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("RecordEvent() = %v", err)
	}

	// Another instance is mid-drain.
	held, err := locks.Lock(context.Background(), processorLockKey, time.Minute)
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	defer locks.Unlock(context.Background(), held)

	dispatcher := &fakeDispatcher{}
	processor := NewProcessor(agg, dispatcher, locks)
	processor.tick(context.Background())

	if len(dispatcher.sent) != 0 {
		t.Errorf("dispatched = %d notifications while lock held, wanted 0", len(dispatcher.sent))
	}
	pending, _ := agg.PendingKeys(context.Background())
	if len(pending) != 1 {
		t.Errorf("pending = %v, wanted bucket left for lock holder", pending)
	}
}
