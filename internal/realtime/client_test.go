package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"gorm.io/gorm"
)

type counterIDs struct {
	next int
}

func (p *counterIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type fixture struct {
	db         *gorm.DB
	dispatcher *feed.Dispatcher
	rooms      *rooms.Service
	biases     *bias.Service
	client     *Client
	room       rooms.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:realtime_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.CoOwner{}, &rooms.Member{}, &rooms.Template{}, &bias.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := feed.NewDispatcher()
	roomsService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		IDProvider: &counterIDs{},
		Events:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build rooms service: %v", err)
	}
	biasService, err := bias.NewService(bias.ServiceConfig{
		Database:   db,
		IDProvider: bias.NewUUIDProvider(),
		Events:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build bias service: %v", err)
	}
	client, err := NewClient(ClientConfig{
		Feed:         dispatcher,
		Rooms:        roomsService,
		Biases:       biasService,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	room, err := roomsService.Create(context.Background(), rooms.CreateInput{
		OwnerID:    "owner-1",
		Name:       "NQ futures",
		Instrument: "NQ",
		TimeFrames: []string{"5m", "1h"},
	})
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return &fixture{db: db, dispatcher: dispatcher, rooms: roomsService, biases: biasService, client: client, room: room}
}

func awaitUpdate(t *testing.T, subscription *Subscription) Update {
	t.Helper()
	select {
	case update, ok := <-subscription.Updates():
		if !ok {
			t.Fatalf("update channel closed unexpectedly")
		}
		return update
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

func TestStartDeliversSnapshotOnChange(t *testing.T) {
	fx := newFixture(t)
	subscription := fx.client.Start(context.Background(), fx.room.ID)
	defer subscription.Stop()

	if err := fx.rooms.Join(context.Background(), fx.room.ID, "member-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := fx.biases.SetBias(context.Background(), bias.SetBiasInput{
		RoomID: fx.room.ID, AuthorID: "member-1", TimeFrame: "1h", Direction: bias.DirectionLong,
	}); err != nil {
		t.Fatalf("set bias failed: %v", err)
	}

	update := awaitUpdate(t, subscription)
	if update.Degraded || update.RoomGone {
		t.Fatalf("expected a healthy snapshot, got %+v", update)
	}
	if update.Snapshot.Room.ID != fx.room.ID {
		t.Fatalf("unexpected room in snapshot: %q", update.Snapshot.Room.ID)
	}
	if len(update.Snapshot.Members) != 2 {
		t.Fatalf("expected owner and member in snapshot, got %d", len(update.Snapshot.Members))
	}
	if len(update.Snapshot.ActiveRecords) != 1 || update.Snapshot.ActiveRecords[0].Direction != bias.DirectionLong {
		t.Fatalf("expected the new record in the snapshot, got %+v", update.Snapshot.ActiveRecords)
	}
}

func TestBurstOfEventsCoalescesToLatestState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.rooms.Join(ctx, fx.room.ID, "member-1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	subscription := fx.client.Start(ctx, fx.room.ID)
	defer subscription.Stop()

	if _, err := fx.biases.SetBias(ctx, bias.SetBiasInput{RoomID: fx.room.ID, AuthorID: "member-1", TimeFrame: "1h", Direction: bias.DirectionLong}); err != nil {
		t.Fatalf("set bias failed: %v", err)
	}
	if _, err := fx.biases.SetBias(ctx, bias.SetBiasInput{RoomID: fx.room.ID, AuthorID: "member-1", TimeFrame: "1h", Direction: bias.DirectionShort}); err != nil {
		t.Fatalf("set bias failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		update := awaitUpdate(t, subscription)
		if len(update.Snapshot.ActiveRecords) == 1 && update.Snapshot.ActiveRecords[0].Direction == bias.DirectionShort {
			return
		}
	}
	t.Fatalf("expected the stream to converge on the latest direction")
}

func TestRoomGoneWhenRoomDeactivated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	subscription := fx.client.Start(ctx, fx.room.ID)
	defer subscription.Stop()

	if err := fx.rooms.Deactivate(ctx, "owner-1", fx.room.ID); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	update := awaitUpdate(t, subscription)
	if !update.RoomGone {
		t.Fatalf("expected RoomGone after deactivation, got %+v", update)
	}
}

func TestDegradedWhenRefetchKeepsFailing(t *testing.T) {
	fx := newFixture(t)
	subscription := fx.client.Start(context.Background(), fx.room.ID)
	defer subscription.Stop()

	sqlDB, err := fx.db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.Close()

	fx.dispatcher.Publish(feed.Event{Table: feed.TableRooms, Op: feed.OperationUpdate, RoomID: fx.room.ID, RowID: fx.room.ID})

	update := awaitUpdate(t, subscription)
	if !update.Degraded {
		t.Fatalf("expected degraded update when every refetch fails, got %+v", update)
	}
}

func TestStopClosesUpdateStream(t *testing.T) {
	fx := newFixture(t)
	subscription := fx.client.Start(context.Background(), fx.room.ID)

	subscription.Stop()
	subscription.Stop() // safe to repeat

	select {
	case _, ok := <-subscription.Updates():
		if ok {
			t.Fatalf("expected no update after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the update channel to close after stop")
	}
}
