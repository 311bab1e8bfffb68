/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"chainguard.dev/evalflow/scoring/queue"
	"chainguard.dev/evalflow/scoring/rules"
	"chainguard.dev/evalflow/traces"
)

const prefix = "evalflow"

func testClient(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func threadMessage(ruleID string, threadIDs ...string) queue.Message {
	return queue.Message{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		RuleID:      ruleID,
		RuleType:    rules.LLMJudgeThread,
		UserName:    "ana",
		ThreadIDs:   threadIDs,
	}
}

func TestMessage_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		msg     queue.Message
		wantErr bool
	}{{
		name: "valid thread message",
		msg:  threadMessage("rule-1", "th-1"),
	}, {
		name: "valid trace message",
		msg: queue.Message{
			WorkspaceID: "ws-1",
			ProjectID:   "proj-1",
			RuleID:      "rule-1",
			RuleType:    rules.PythonTrace,
			Trace:       &traces.Trace{ID: "tr-1"},
		},
	}, {
		name: "thread message without thread ids",
		msg: queue.Message{
			WorkspaceID: "ws-1",
			ProjectID:   "proj-1",
			RuleID:      "rule-1",
			RuleType:    rules.LLMJudgeThread,
		},
		wantErr: true,
	}, {
		name: "trace message with thread ids",
		msg: queue.Message{
			WorkspaceID: "ws-1",
			ProjectID:   "proj-1",
			RuleID:      "rule-1",
			RuleType:    rules.LLMJudgeTrace,
			Trace:       &traces.Trace{ID: "tr-1"},
			ThreadIDs:   []string{"th-1"},
		},
		wantErr: true,
	}, {
		name: "missing workspace",
		msg: queue.Message{
			ProjectID: "proj-1",
			RuleID:    "rule-1",
			RuleType:  rules.LLMJudgeThread,
			ThreadIDs: []string{"th-1"},
		},
		wantErr: true,
	}, {
		name: "unknown rule type",
		msg: queue.Message{
			WorkspaceID: "ws-1",
			ProjectID:   "proj-1",
			RuleID:      "rule-1",
			RuleType:    "bogus",
		},
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr = %t", err, tt.wantErr)
			}
		})
	}
}

func TestPublisher_Enqueue(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()
	pub := queue.NewPublisher(client, prefix)

	msg := threadMessage("rule-1", "th-1", "th-2")
	if err := pub.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}

	stream := queue.StreamFor(prefix, rules.LLMJudgeThread)
	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, wanted 1", len(entries))
	}

	var got queue.Message
	if err := json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &got); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("round-tripped message mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_RejectsInvalidMessage(t *testing.T) {
	client, _ := testClient(t)
	pub := queue.NewPublisher(client, prefix)

	err := pub.Enqueue(context.Background(), queue.Message{RuleType: rules.LLMJudgeThread})
	if err == nil {
		t.Fatal("Enqueue() = nil error, wanted validation error")
	}
}

// runConsumer starts a consumer and returns a channel of handled messages plus
// a stop func that shuts it down.
func runConsumer(t *testing.T, client redis.UniversalClient, handler queue.Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := queue.NewConsumer(client, prefix, rules.LLMJudgeThread, handler, queue.ConsumerOptions{
		Name:         "test-consumer",
		PollInterval: 10 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestConsumer_DeliversAndAcks(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()
	pub := queue.NewPublisher(client, prefix)

	var mu sync.Mutex
	var got []queue.Message
	received := make(chan struct{}, 10)

	stop := runConsumer(t, client, func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		received <- struct{}{}
		return nil
	})
	defer stop()

	want := threadMessage("rule-1", "th-1")
	if err := pub.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumer delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("handled messages = %d, wanted 1", len(got))
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("delivered message mismatch (-want +got):\n%s", diff)
	}

	// The entry must be acknowledged: nothing left pending for the group.
	stream := queue.StreamFor(prefix, rules.LLMJudgeThread)
	waitForNoPending(t, client, stream, "evalflow-scoring")
}

func TestConsumer_AcksFailedMessages(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()
	pub := queue.NewPublisher(client, prefix)

	received := make(chan struct{}, 10)
	stop := runConsumer(t, client, func(context.Context, queue.Message) error {
		received <- struct{}{}
		return errors.New("evaluator exploded")
	})
	defer stop()

	if err := pub.Enqueue(ctx, threadMessage("rule-1", "th-1")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumer delivery")
	}

	// A handler error is terminal for the message: still acknowledged, no
	// automatic redelivery.
	stream := queue.StreamFor(prefix, rules.LLMJudgeThread)
	waitForNoPending(t, client, stream, "evalflow-scoring")

	select {
	case <-received:
		t.Fatal("message was redelivered after handler failure")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConsumer_DropsMalformedPayload(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()

	received := make(chan struct{}, 10)
	stop := runConsumer(t, client, func(context.Context, queue.Message) error {
		received <- struct{}{}
		return nil
	})
	defer stop()

	stream := queue.StreamFor(prefix, rules.LLMJudgeThread)
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("XAdd() = %v", err)
	}

	// The malformed entry is dropped without reaching the handler, and acked.
	waitForNoPending(t, client, stream, "evalflow-scoring")

	select {
	case <-received:
		t.Fatal("handler was invoked for a malformed payload")
	case <-time.After(100 * time.Millisecond):
	}
}

// waitForNoPending polls until the group has no pending entries.
func waitForNoPending(t *testing.T, client redis.UniversalClient, stream, group string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := client.XPending(context.Background(), stream, group).Result()
		if err == nil && pending.Count == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pending entries to clear")
}
