package feed

import (
	"context"
	"sync"
)

// Operation mirrors the row-level change kinds emitted by the store.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Table names carried on change events.
const (
	TableRooms       = "rooms"
	TableCoOwners    = "room_co_owners"
	TableMembers     = "room_members"
	TableBiasRecords = "bias_records"
)

// Event is a single change notification scoped to a room. Delivery is
// at-least-once with no ordering guarantee across tables; consumers re-fetch
// authoritative state rather than applying the event as a delta.
type Event struct {
	Table  string    `json:"table"`
	Op     Operation `json:"op"`
	RoomID string    `json:"room_id"`
	RowID  string    `json:"row_id,omitempty"`
}

// Publisher is the write side of the change feed.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher fans change events out to per-room subscribers. Slow consumers
// drop events rather than block publishers; a dropped event is safe because
// every consumer re-fetches current state on the next notification.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an in-process change feed dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for the given room. The returned cancel
// function releases the channel; it also fires when ctx is done so a
// navigated-away session cannot leak its listener.
func (d *Dispatcher) Subscribe(ctx context.Context, roomID string) (<-chan Event, func()) {
	if roomID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(roomID, entry)
	cleanup := func() {
		d.unregister(roomID, entry.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers the event to every subscriber of its room.
func (d *Dispatcher) Publish(event Event) {
	if event.RoomID == "" || event.Table == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.RoomID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(roomID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[roomID]; !ok {
		d.subscribers[roomID] = make(map[int64]*subscriber)
	}
	d.subscribers[roomID][entry.id] = entry
}

func (d *Dispatcher) unregister(roomID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[roomID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, roomID)
		}
	}
	d.mu.Unlock()
}
