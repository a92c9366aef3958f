package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBridgeFixture(t *testing.T) (*RedisBridge, *Dispatcher, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	dispatcher := NewDispatcher()
	return NewRedisBridge(client, dispatcher, nil), dispatcher, client
}

func TestRedisBridgePublishDeliversLocally(t *testing.T) {
	bridge, dispatcher, _ := newBridgeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, release := dispatcher.Subscribe(ctx, "room-1")
	defer release()

	bridge.Publish(Event{Table: TableBiasRecords, Op: OperationInsert, RoomID: "room-1", RowID: "rec-1"})

	select {
	case event := <-events:
		if event.RowID != "rec-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected local delivery even without remote listeners")
	}
}

func TestRedisBridgeRelaysRemoteEvents(t *testing.T) {
	bridge, dispatcher, client := newBridgeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- bridge.Run(ctx) }()

	events, release := dispatcher.Subscribe(ctx, "room-9")
	defer release()

	// Give the pattern subscription a moment to establish.
	deadline := time.Now().Add(2 * time.Second)
	delivered := false
	for time.Now().Before(deadline) && !delivered {
		if err := client.Publish(ctx, channelPrefix+"room-9",
			`{"table":"bias_records","op":"insert","room_id":"room-9","row_id":"rec-7"}`).Err(); err != nil {
			t.Fatalf("remote publish failed: %v", err)
		}
		select {
		case event := <-events:
			if event.RoomID != "room-9" || event.RowID != "rec-7" {
				t.Fatalf("unexpected relayed event: %+v", event)
			}
			delivered = true
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !delivered {
		t.Fatalf("expected remote event to reach the local dispatcher")
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to stop after context cancellation")
	}
}
