package bias

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errRaceLost          = errors.New("active record changed under us")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew      = "bias.service.new"
	opSetBias         = "bias.set"
	opUpdateDetails   = "bias.update_details"
	opResetAll        = "bias.reset_all"
	opListHistory     = "bias.list_history"
	opListActive      = "bias.list_active"
	defaultPageSize   = 50
	maxPageSize       = 200
	resetMarkerReason = "Room reset"
)

// ServiceConfig describes the dependencies of the bias record store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Events     feed.Publisher
	Logger     *zap.Logger
}

// Service is the authoritative bias record store. Permission checks run here,
// before any write: the HTTP layer and session controller repeat them only as
// a courtesy.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	events     feed.Publisher
	logger     *zap.Logger
}

// NewService constructs the bias record store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		events:     cfg.Events,
		logger:     logger,
	}, nil
}

// SetBiasInput carries a single stance mutation.
type SetBiasInput struct {
	RoomID       string
	AuthorID     string
	TimeFrame    string
	Direction    Direction
	Rationale    string
	Invalidation string
}

// SetBias records a new stance for the (room, author, time frame) triple.
// Repeating the current direction is a no-op so repeated clicks never pad the
// history ledger. Otherwise the prior active record is archived and the new
// one inserted inside one transaction; a lost race is retried once before
// surfacing ErrConflict.
func (s *Service) SetBias(ctx context.Context, input SetBiasInput) (Record, error) {
	timeFrame := strings.TrimSpace(input.TimeFrame)
	if timeFrame == "" || timeFrame == TimeFrameSystem {
		return Record{}, fmt.Errorf("%w: time frame %q", ErrValidation, input.TimeFrame)
	}
	if _, err := ParseDirection(string(input.Direction)); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	role, err := s.roleFor(ctx, input.RoomID, input.AuthorID)
	if err != nil {
		return Record{}, err
	}
	if !role.CanSetBias() {
		return Record{}, ErrUnauthorized
	}

	var result Record
	var changed bool
	var attemptErr error
	for attempt := 0; attempt < 2; attempt++ {
		result, changed, attemptErr = s.setBiasOnce(ctx, input, timeFrame)
		if !errors.Is(attemptErr, errRaceLost) {
			break
		}
	}
	if errors.Is(attemptErr, errRaceLost) {
		s.logError(opSetBias, "conflict", attemptErr,
			zap.String("room_id", input.RoomID),
			zap.String("author_id", input.AuthorID),
			zap.String("time_frame", timeFrame))
		return Record{}, ErrConflict
	}
	if attemptErr != nil {
		return Record{}, attemptErr
	}
	if changed {
		s.publish(feed.Event{Table: feed.TableBiasRecords, Op: feed.OperationInsert, RoomID: input.RoomID, RowID: result.ID})
	}
	return result, nil
}

func (s *Service) setBiasOnce(ctx context.Context, input SetBiasInput, timeFrame string) (Record, bool, error) {
	var result Record
	changed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		var existingPtr *Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ? AND author_id = ? AND time_frame = ? AND status = ?",
				input.RoomID, input.AuthorID, timeFrame, StatusActive).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			s.logError(opSetBias, "record_select_failed", err, zap.String("room_id", input.RoomID))
			return newServiceError(opSetBias, "record_select_failed", err)
		} else {
			existingPtr = &existing
		}

		if existingPtr != nil && existingPtr.Direction == input.Direction {
			result = *existingPtr
			return nil
		}

		if existingPtr != nil {
			archived := tx.Model(&Record{}).
				Where("id = ? AND status = ?", existingPtr.ID, StatusActive).
				Update("status", StatusArchived)
			if archived.Error != nil {
				return newServiceError(opSetBias, "archive_failed", archived.Error)
			}
			if archived.RowsAffected == 0 {
				return errRaceLost
			}
		}

		recordID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opSetBias, "id_generation_failed", err)
		}
		result = Record{
			ID:                    recordID,
			RoomID:                input.RoomID,
			AuthorID:              input.AuthorID,
			TimeFrame:             timeFrame,
			Direction:             input.Direction,
			Rationale:             input.Rationale,
			InvalidationCondition: input.Invalidation,
			Status:                StatusActive,
			CreatedAtSeconds:      s.clock().UTC().Unix(),
		}
		if err := tx.Create(&result).Error; err != nil {
			return newServiceError(opSetBias, "record_insert_failed", err)
		}
		changed = true
		return nil
	})
	if txErr != nil {
		return Record{}, false, txErr
	}
	return result, changed, nil
}

// DetailsInput carries the in-place editable fields; nil means unchanged.
type DetailsInput struct {
	Rationale    *string
	Invalidation *string
}

// UpdateDetails edits rationale or invalidation on an active record without
// touching its status or creating a history entry. Allowed to the record's
// author and to the room owner or co-owners.
func (s *Service) UpdateDetails(ctx context.Context, actorID, recordID string, input DetailsInput) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, newServiceError(opUpdateDetails, "record_select_failed", err)
	}
	if record.Status != StatusActive {
		return Record{}, fmt.Errorf("%w: record is archived", ErrValidation)
	}

	if record.AuthorID != actorID {
		role, err := s.roleFor(ctx, record.RoomID, actorID)
		if err != nil {
			return Record{}, err
		}
		if role != rooms.RoleOwner && role != rooms.RoleCoOwner {
			return Record{}, ErrUnauthorized
		}
	}

	updates := map[string]interface{}{}
	if input.Rationale != nil {
		updates["rationale"] = *input.Rationale
		record.Rationale = *input.Rationale
	}
	if input.Invalidation != nil {
		updates["invalidation_condition"] = *input.Invalidation
		record.InvalidationCondition = *input.Invalidation
	}
	if len(updates) == 0 {
		return record, nil
	}
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", recordID).Updates(updates).Error; err != nil {
		return Record{}, newServiceError(opUpdateDetails, "record_update_failed", err)
	}
	s.publish(feed.Event{Table: feed.TableBiasRecords, Op: feed.OperationUpdate, RoomID: record.RoomID, RowID: record.ID})
	return record, nil
}

// ResetAll archives every active record in the room and appends one reset
// marker, atomically. The marker keeps the ledger honest about why every
// active stance vanished at once.
func (s *Service) ResetAll(ctx context.Context, actorID, roomID string) (Record, error) {
	role, err := s.roleFor(ctx, roomID, actorID)
	if err != nil {
		return Record{}, err
	}
	if !role.CanReset() {
		return Record{}, ErrUnauthorized
	}

	markerID, err := s.idProvider.NewID()
	if err != nil {
		return Record{}, newServiceError(opResetAll, "id_generation_failed", err)
	}
	marker := Record{
		ID:               markerID,
		RoomID:           roomID,
		AuthorID:         actorID,
		TimeFrame:        TimeFrameSystem,
		Direction:        DirectionNeutral,
		Rationale:        resetMarkerReason,
		Status:           StatusArchived,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).
			Where("room_id = ? AND status = ?", roomID, StatusActive).
			Update("status", StatusArchived).Error; err != nil {
			return newServiceError(opResetAll, "archive_failed", err)
		}
		if err := tx.Create(&marker).Error; err != nil {
			return newServiceError(opResetAll, "marker_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opResetAll, "transaction_failed", txErr, zap.String("room_id", roomID))
		return Record{}, txErr
	}
	s.publish(feed.Event{Table: feed.TableBiasRecords, Op: feed.OperationUpdate, RoomID: roomID, RowID: markerID})
	s.logger.Info("room biases reset", zap.String("room_id", roomID), zap.String("actor_id", actorID))
	return marker, nil
}

// HistoryPage is one newest-first slice of the ledger.
type HistoryPage struct {
	Records  []Record `json:"records"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Total    int64    `json:"total"`
}

// ListHistory returns ledger entries, active and archived, newest first.
func (s *Service) ListHistory(ctx context.Context, roomID string, page, pageSize int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Where("room_id = ?", roomID).Count(&total).Error; err != nil {
		return HistoryPage{}, newServiceError(opListHistory, "count_failed", err)
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at_s DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		return HistoryPage{}, newServiceError(opListHistory, "query_failed", err)
	}
	return HistoryPage{Records: records, Page: page, PageSize: pageSize, Total: total}, nil
}

// ListActive returns every active record in the room.
func (s *Service) ListActive(ctx context.Context, roomID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND status = ?", roomID, StatusActive).
		Order("created_at_s ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, newServiceError(opListActive, "query_failed", err)
	}
	return records, nil
}

// ListActiveByAuthor returns the author's active records in the room.
func (s *Service) ListActiveByAuthor(ctx context.Context, roomID, authorID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND author_id = ? AND status = ?", roomID, authorID, StatusActive).
		Order("created_at_s ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, newServiceError(opListActive, "query_failed", err)
	}
	return records, nil
}

func (s *Service) roleFor(ctx context.Context, roomID, actorID string) (rooms.Role, error) {
	var room rooms.Room
	err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", roomID, true).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rooms.RoleNone, ErrRoomNotFound
	}
	if err != nil {
		return rooms.RoleNone, err
	}
	var coOwners []rooms.CoOwner
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&coOwners).Error; err != nil {
		return rooms.RoleNone, err
	}
	var members []rooms.Member
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&members).Error; err != nil {
		return rooms.RoleNone, err
	}
	return rooms.PermissionFor(room, coOwners, members, actorID), nil
}

func (s *Service) publish(event feed.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("bias store error", attrs...)
}
