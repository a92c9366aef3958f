package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts  = 4
	defaultRetryBackoff = 250 * time.Millisecond
)

var errMissingFeed = errors.New("realtime: feed dispatcher required")

// Snapshot is the authoritative room slice pulled after a change
// notification. Consumers replace their local state with it wholesale; an
// optimistic local write must survive being overwritten by the next Snapshot
// without special-casing.
type Snapshot struct {
	Room          rooms.Room
	CoOwners      []rooms.CoOwner
	Members       []rooms.Member
	ActiveRecords []bias.Record
}

// Update is one delivery to a subscriber. Degraded marks a refetch that kept
// failing: the consumer keeps its stale state and shows a connection-lost
// indicator instead of blocking. RoomGone marks a room that disappeared or
// was deactivated while the session was open.
type Update struct {
	Snapshot Snapshot
	Degraded bool
	RoomGone bool
}

// ClientConfig describes the dependencies of the sync client.
type ClientConfig struct {
	Feed         *feed.Dispatcher
	Rooms        *rooms.Service
	Biases       *bias.Service
	Logger       *zap.Logger
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Client turns at-least-once, unordered change notifications into a stream of
// reconciled snapshots. Because every notification triggers a re-fetch of
// current authoritative state, duplicates and reorderings are idempotent.
type Client struct {
	feed         *feed.Dispatcher
	rooms        *rooms.Service
	biases       *bias.Service
	logger       *zap.Logger
	maxAttempts  int
	retryBackoff time.Duration
}

// NewClient constructs a sync client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Rooms == nil || cfg.Biases == nil {
		return nil, errors.New("realtime: room and bias services required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &Client{
		feed:         cfg.Feed,
		rooms:        cfg.Rooms,
		biases:       cfg.Biases,
		logger:       logger,
		maxAttempts:  maxAttempts,
		retryBackoff: backoff,
	}, nil
}

// Subscription is a lifecycle-scoped handle on one room's change stream.
type Subscription struct {
	updates  chan Update
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Updates delivers reconciled snapshots. The channel holds at most one
// pending update; bursts of notifications coalesce into the latest state.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Stop releases the feed channel. Safe to call more than once; the consuming
// session must call it on unmount so listeners never leak.
func (s *Subscription) Stop() {
	s.stopOnce.Do(s.cancel)
}

// Start subscribes to the room's change feed and begins reconciliation. The
// subscription ends when Stop is called or ctx is done.
func (c *Client) Start(ctx context.Context, roomID string) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	events, release := c.feed.Subscribe(subCtx, roomID)
	subscription := &Subscription{
		updates: make(chan Update, 1),
		cancel:  cancel,
	}
	go c.run(subCtx, roomID, events, release, subscription)
	return subscription
}

func (c *Client) run(ctx context.Context, roomID string, events <-chan feed.Event, release func(), subscription *Subscription) {
	defer release()
	defer close(subscription.updates)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			drain(events)
			update := c.reconcile(ctx, roomID)
			if ctx.Err() != nil {
				return
			}
			push(subscription.updates, update)
		}
	}
}

// reconcile pulls the full authoritative slice for the room, retrying with
// backoff up to the configured bound before declaring the stream degraded.
func (c *Client) reconcile(ctx context.Context, roomID string) Update {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Update{Degraded: true}
			case <-time.After(c.retryBackoff << (attempt - 1)):
			}
		}
		snapshot, err := c.fetch(ctx, roomID)
		if err == nil {
			return Update{Snapshot: snapshot}
		}
		if errors.Is(err, rooms.ErrNotFound) {
			return Update{RoomGone: true}
		}
		lastErr = err
	}
	c.logger.Warn("room refetch kept failing, marking stream degraded",
		zap.String("room_id", roomID), zap.Error(lastErr))
	return Update{Degraded: true}
}

func (c *Client) fetch(ctx context.Context, roomID string) (Snapshot, error) {
	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return Snapshot{}, err
	}
	coOwners, err := c.rooms.ListCoOwners(ctx, roomID)
	if err != nil {
		return Snapshot{}, err
	}
	members, err := c.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return Snapshot{}, err
	}
	records, err := c.biases.ListActive(ctx, roomID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Room: room, CoOwners: coOwners, Members: members, ActiveRecords: records}, nil
}

// drain discards queued notifications; the single refetch that follows
// already reflects all of them.
func drain(events <-chan feed.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// push replaces any pending update so consumers always see the newest state.
func push(updates chan Update, update Update) {
	for {
		select {
		case updates <- update:
			return
		default:
			select {
			case <-updates:
			default:
			}
		}
	}
}
