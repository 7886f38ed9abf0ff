package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	want := Message{Type: "audit", Body: json.RawMessage(`{"record_id":"r1"}`)}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type {
			t.Errorf("type: got %q, want %q", got.Type, want.Type)
		}
		if string(got.Body) != string(want.Body) {
			t.Errorf("body: got %s, want %s", got.Body, want.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryPublishCancelled(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	// Fill the buffer so the next publish blocks.
	if err := q.Publish(ctx, Message{Type: "audit"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	cancel()
	if err := q.Publish(ctx, Message{Type: "audit"}); err == nil {
		t.Error("expected error publishing on cancelled context with full buffer")
	}
}

func TestInMemoryConsumeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	cancel()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
