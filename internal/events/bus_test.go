package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := New(client, nil)
	b.retry = 20 * time.Millisecond
	return b, mr
}

// publishUntilReceived retries the publish until the subscriber sees a
// message, since subscription setup races with the first publish.
func publishUntilReceived(t *testing.T, b *Bus, msg Message, received <-chan Message) Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if err := b.Publish(context.Background(), msg); err != nil {
			t.Logf("publish (will retry): %v", err)
		}
		select {
		case got := <-received:
			return got
		case <-deadline:
			t.Fatalf("no %s message before deadline", msg.Kind)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 16)
	go func() {
		_ = b.Subscribe(ctx, func(_ context.Context, m Message) { received <- m })
	}()

	taskID := uuid.New()
	got := publishUntilReceived(t, b, Message{Kind: KindTaskCreated, TaskID: taskID}, received)
	if got.Kind != KindTaskCreated || got.TaskID != taskID {
		t.Fatalf("got %+v", got)
	}
	if got.At.IsZero() {
		t.Fatal("At should be stamped on publish")
	}

	// The subscription is live now, so a single publish suffices.
	evt := Message{Kind: KindEventPublished, Topic: "orders.created", Payload: json.RawMessage(`{"id":7}`)}
	if err := b.Publish(ctx, evt); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-received:
			if m.Kind != KindEventPublished {
				continue // duplicate from the retry loop above
			}
			if m.Topic != "orders.created" || string(m.Payload) != `{"id":7}` {
				t.Fatalf("event message %+v", m)
			}
			return
		case <-deadline:
			t.Fatal("event message not delivered")
		}
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 16)
	go func() {
		_ = b.Subscribe(ctx, func(_ context.Context, m Message) { received <- m })
	}()

	// Prime the subscription, then inject garbage directly.
	taskID := uuid.New()
	publishUntilReceived(t, b, Message{Kind: KindTaskUpdated, TaskID: taskID}, received)
	if err := b.client.Publish(ctx, changesChannel, "not json").Err(); err != nil {
		t.Fatalf("raw publish: %v", err)
	}
	if err := b.Publish(ctx, Message{Kind: KindTaskRunNow, TaskID: taskID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-received:
			if m.Kind == KindTaskUpdated {
				continue // duplicate from priming
			}
			if m.Kind != KindTaskRunNow {
				t.Fatalf("unexpected message %+v", m)
			}
			return
		case <-deadline:
			t.Fatal("valid message after garbage not delivered")
		}
	}
}

func TestSubscribeSurvivesBrokerRestart(t *testing.T) {
	b, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 16)
	go func() {
		_ = b.Subscribe(ctx, func(_ context.Context, m Message) { received <- m })
	}()

	taskID := uuid.New()
	publishUntilReceived(t, b, Message{Kind: KindTaskCreated, TaskID: taskID}, received)

	mr.Close()
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	got := publishUntilReceived(t, b, Message{Kind: KindTaskSnooze, TaskID: taskID, Seconds: 600}, received)
	if got.Kind != KindTaskSnooze || got.Seconds != 600 {
		t.Fatalf("after restart got %+v", got)
	}
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, func(context.Context, Message) {})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not stop on cancel")
	}
}

func TestPublishRejectsEmptyKind(t *testing.T) {
	b, _ := newTestBus(t)
	if err := b.Publish(context.Background(), Message{}); err == nil {
		t.Fatal("expected error for empty kind")
	}
}

func TestTaskIDOmittedForExternalEvents(t *testing.T) {
	raw, err := json.Marshal(Message{Kind: KindEventPublished, Topic: "t", At: time.Now()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := decoded["task_id"]; present {
		t.Fatalf("task_id should be omitted when zero: %s", raw)
	}
}
