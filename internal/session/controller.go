package session

import (
	"context"
	"errors"
	"sync"

	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/realtime"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"go.uber.org/zap"
)

// State is the lifecycle position of a room session.
type State string

const (
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateMutating State = "mutating"
	// StateClosed is terminal: the member navigated away.
	StateClosed State = "closed"
	// StateNotFound is terminal and distinct from Closed: the room was
	// missing or inactive when the session tried to load it.
	StateNotFound State = "not_found"
)

var (
	// ErrNotReady indicates a mutation was attempted outside the Ready state.
	ErrNotReady = errors.New("session: not ready")
	// ErrClosed indicates the session has already been closed.
	ErrClosed = errors.New("session: closed")
)

// Config describes the collaborators a session controller binds together.
type Config struct {
	Rooms  *rooms.Service
	Biases *bias.Service
	Sync   *realtime.Client
	Logger *zap.Logger
}

// Controller is the façade a UI binds to for one (room, user) session. It
// owns the member's view of room state, issues permission-checked mutations
// with optimistic local application, and keeps the aggregate current as the
// realtime path delivers authoritative snapshots.
type Controller struct {
	mu sync.Mutex

	roomsService *rooms.Service
	biasService  *bias.Service
	syncClient   *realtime.Client
	logger       *zap.Logger

	roomID string
	userID string

	state    State
	degraded bool

	room     rooms.Room
	coOwners []rooms.CoOwner
	members  []rooms.Member
	active   []bias.Record

	subscription *realtime.Subscription
}

// Open loads the room, marks the caller online, and starts the realtime
// subscription. When the room is missing or inactive the returned controller
// is in the terminal NotFound state and the error is rooms.ErrNotFound.
func Open(ctx context.Context, cfg Config, roomID, userID string) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	controller := &Controller{
		roomsService: cfg.Rooms,
		biasService:  cfg.Biases,
		syncClient:   cfg.Sync,
		logger:       logger,
		roomID:       roomID,
		userID:       userID,
		state:        StateLoading,
	}

	room, err := cfg.Rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrNotFound) {
			controller.state = StateNotFound
			return controller, rooms.ErrNotFound
		}
		return nil, err
	}
	if err := cfg.Rooms.Join(ctx, roomID, userID); err != nil {
		return nil, err
	}
	coOwners, err := cfg.Rooms.ListCoOwners(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members, err := cfg.Rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	active, err := cfg.Biases.ListActive(ctx, roomID)
	if err != nil {
		return nil, err
	}

	controller.room = room
	controller.coOwners = coOwners
	controller.members = members
	controller.active = active
	controller.state = StateReady

	if cfg.Sync != nil {
		controller.subscription = cfg.Sync.Start(context.Background(), roomID)
		go controller.consume()
	}
	return controller, nil
}

// State reports the session's lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Degraded reports whether the realtime stream has lost its connection and
// the local view may be stale. The session stays usable either way.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Room returns the current room configuration.
func (c *Controller) Room() rooms.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Role re-derives the caller's role from current room and co-owner state.
func (c *Controller) Role() rooms.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rooms.PermissionFor(c.room, c.coOwners, c.members, c.userID)
}

// MyTimeFrameBiases returns the caller's current direction per configured
// time frame, neutral where no active record exists.
func (c *Controller) MyTimeFrameBiases() map[string]bias.Direction {
	return c.MyAggregate().PerTimeFrame
}

// MyAggregate recomputes the caller's per-author aggregate from the ledger
// view. Always derived, never patched incrementally.
func (c *Controller) MyAggregate() bias.AuthorAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bias.AggregateAuthor(c.authorRecordsLocked(c.userID), c.room.TimeFrames)
}

// RoomAggregate recomputes the room-level consensus over the online members.
func (c *Controller) RoomAggregate() bias.RoomAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	overalls := make([]bias.Direction, 0, len(c.members))
	for _, member := range c.members {
		if !member.IsOnline {
			continue
		}
		aggregate := bias.AggregateAuthor(c.authorRecordsLocked(member.UserID), c.room.TimeFrames)
		overalls = append(overalls, aggregate.Overall)
	}
	return bias.AggregateRoom(overalls)
}

// SetBias publishes the caller's stance for one time frame, applying it
// locally before the store confirms and rolling back if the store refuses.
func (c *Controller) SetBias(ctx context.Context, timeFrame string, direction bias.Direction, rationale, invalidation string) error {
	c.mu.Lock()
	if err := c.beginMutationLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !rooms.PermissionFor(c.room, c.coOwners, c.members, c.userID).CanSetBias() {
		c.endMutationLocked()
		c.mu.Unlock()
		return rooms.ErrUnauthorized
	}

	previous := c.active
	optimistic := make([]bias.Record, 0, len(previous)+1)
	for _, record := range previous {
		if record.AuthorID == c.userID && record.TimeFrame == timeFrame {
			continue
		}
		optimistic = append(optimistic, record)
	}
	optimistic = append(optimistic, bias.Record{
		RoomID:    c.roomID,
		AuthorID:  c.userID,
		TimeFrame: timeFrame,
		Direction: direction,
		Rationale: rationale,
		Status:    bias.StatusActive,
	})
	c.active = optimistic
	c.mu.Unlock()

	record, err := c.biasService.SetBias(ctx, bias.SetBiasInput{
		RoomID:       c.roomID,
		AuthorID:     c.userID,
		TimeFrame:    timeFrame,
		Direction:    direction,
		Rationale:    rationale,
		Invalidation: invalidation,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		// Session ended while the write was in flight; the result is discarded.
		return nil
	}
	if err != nil {
		c.active = previous
		c.endMutationLocked()
		return err
	}
	for index := range c.active {
		if c.active[index].AuthorID == c.userID && c.active[index].TimeFrame == timeFrame && c.active[index].ID == "" {
			c.active[index] = record
		}
	}
	c.endMutationLocked()
	return nil
}

// UpdateDetails edits rationale or invalidation on an active record in place.
func (c *Controller) UpdateDetails(ctx context.Context, recordID string, details bias.DetailsInput) error {
	c.mu.Lock()
	if err := c.beginMutationLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	record, err := c.biasService.UpdateDetails(ctx, c.userID, recordID, details)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if err != nil {
		c.endMutationLocked()
		return err
	}
	for index := range c.active {
		if c.active[index].ID == record.ID {
			c.active[index] = record
		}
	}
	c.endMutationLocked()
	return nil
}

// ResetAll archives the room's active records and appends the reset marker,
// clearing the local view optimistically.
func (c *Controller) ResetAll(ctx context.Context) error {
	c.mu.Lock()
	if err := c.beginMutationLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if !rooms.PermissionFor(c.room, c.coOwners, c.members, c.userID).CanReset() {
		c.endMutationLocked()
		c.mu.Unlock()
		return rooms.ErrUnauthorized
	}
	previous := c.active
	c.active = nil
	c.mu.Unlock()

	_, err := c.biasService.ResetAll(ctx, c.userID, c.roomID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if err != nil {
		c.active = previous
		c.endMutationLocked()
		return err
	}
	c.endMutationLocked()
	return nil
}

// UpdateTimeFrames replaces the room's configured time-frame set.
func (c *Controller) UpdateTimeFrames(ctx context.Context, timeFrames []string) error {
	return c.mutateRoom(ctx, rooms.UpdateInput{TimeFrames: &timeFrames})
}

func (c *Controller) mutateRoom(ctx context.Context, input rooms.UpdateInput) error {
	c.mu.Lock()
	if err := c.beginMutationLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	room, err := c.roomsService.Update(ctx, c.userID, c.roomID, input)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if err == nil {
		c.room = room
	}
	c.endMutationLocked()
	return err
}

// AddCoOwner grants co-ownership to the user behind the given e-mail.
func (c *Controller) AddCoOwner(ctx context.Context, email string) error {
	c.mu.Lock()
	if err := c.beginMutationLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	coOwner, err := c.roomsService.AddCoOwner(ctx, c.userID, c.roomID, email)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if err == nil {
		c.coOwners = append(c.coOwners, coOwner)
	}
	c.endMutationLocked()
	return err
}

// RemoveCoOwner revokes a single co-ownership.
func (c *Controller) RemoveCoOwner(ctx context.Context, userID string) error {
	c.mu.Lock()
	if err := c.beginMutationLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	err := c.roomsService.RemoveCoOwner(ctx, c.userID, c.roomID, userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if err == nil {
		kept := c.coOwners[:0]
		for _, coOwner := range c.coOwners {
			if coOwner.UserID != userID {
				kept = append(kept, coOwner)
			}
		}
		c.coOwners = kept
	}
	c.endMutationLocked()
	return err
}

// Touch refreshes the caller's presence so the janitor keeps them online.
func (c *Controller) Touch(ctx context.Context) error {
	if c.State() != StateReady {
		return nil
	}
	return c.roomsService.SetPresence(ctx, c.roomID, c.userID, true)
}

// Close releases the realtime subscription and marks the member offline.
// Terminal; in-flight mutations complete but their results are discarded.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasNotFound := c.state == StateNotFound
	c.state = StateClosed
	subscription := c.subscription
	c.mu.Unlock()

	if subscription != nil {
		subscription.Stop()
	}
	if wasNotFound {
		return nil
	}
	if err := c.roomsService.SetPresence(ctx, c.roomID, c.userID, false); err != nil && !errors.Is(err, rooms.ErrNotFound) {
		return err
	}
	return nil
}

// consume applies authoritative snapshots from the realtime path, replacing
// local state wholesale.
func (c *Controller) consume() {
	for update := range c.subscription.Updates() {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			continue
		}
		switch {
		case update.RoomGone:
			c.state = StateNotFound
			c.mu.Unlock()
			c.subscription.Stop()
			return
		case update.Degraded:
			c.degraded = true
			c.mu.Unlock()
		default:
			c.room = update.Snapshot.Room
			c.coOwners = update.Snapshot.CoOwners
			c.members = update.Snapshot.Members
			c.active = update.Snapshot.ActiveRecords
			c.degraded = false
			c.mu.Unlock()
		}
	}
}

func (c *Controller) authorRecordsLocked(authorID string) []bias.Record {
	records := make([]bias.Record, 0, len(c.active))
	for _, record := range c.active {
		if record.AuthorID == authorID {
			records = append(records, record)
		}
	}
	return records
}

func (c *Controller) beginMutationLocked() error {
	switch c.state {
	case StateReady:
		c.state = StateMutating
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

func (c *Controller) endMutationLocked() {
	if c.state == StateMutating {
		c.state = StateReady
	}
}
