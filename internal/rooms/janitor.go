package rooms

import (
	"context"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultStaleAfter = 10 * time.Minute

// JanitorConfig configures the presence sweeper.
type JanitorConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Events     feed.Publisher
	Logger     *zap.Logger
	StaleAfter time.Duration
}

// Janitor marks members offline once their last-seen timestamp goes stale, so
// crashed or silently disconnected clients stop counting toward consensus.
type Janitor struct {
	db         *gorm.DB
	clock      func() time.Time
	events     feed.Publisher
	logger     *zap.Logger
	staleAfter time.Duration
	scheduler  *cron.Cron
}

// NewJanitor constructs the sweeper without starting it.
func NewJanitor(cfg JanitorConfig) *Janitor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Janitor{
		db:         cfg.Database,
		clock:      clock,
		events:     cfg.Events,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// Start schedules the sweep. The default cadence is once a minute.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = "@every 1m"
	}
	j.scheduler = cron.New()
	if _, err := j.scheduler.AddFunc(schedule, func() {
		if err := j.Sweep(context.Background()); err != nil {
			j.logger.Warn("presence sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	j.scheduler.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.scheduler != nil {
		<-j.scheduler.Stop().Done()
	}
}

// Sweep marks every stale online member offline and notifies their rooms.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := j.clock().UTC().Add(-j.staleAfter).Unix()
	var stale []Member
	err := j.db.WithContext(ctx).
		Where("is_online = ? AND last_seen_at_s < ?", true, cutoff).
		Find(&stale).Error
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	err = j.db.WithContext(ctx).Model(&Member{}).
		Where("is_online = ? AND last_seen_at_s < ?", true, cutoff).
		Update("is_online", false).Error
	if err != nil {
		return err
	}
	for _, member := range stale {
		if j.events != nil {
			j.events.Publish(feed.Event{
				Table:  feed.TableMembers,
				Op:     feed.OperationUpdate,
				RoomID: member.RoomID,
				RowID:  member.UserID,
			})
		}
	}
	j.logger.Info("stale members marked offline", zap.Int("count", len(stale)))
	return nil
}
