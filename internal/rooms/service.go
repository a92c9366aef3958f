package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IDProvider issues room and co-owner identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// UserDirectory resolves invite targets. Implemented by the users service.
type UserDirectory interface {
	UserIDByEmail(ctx context.Context, email string) (string, error)
}

// ServiceConfig describes the dependencies of the room service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Directory  UserDirectory
	Events     feed.Publisher
	Logger     *zap.Logger
}

// Service owns the room, co-owner, membership, and template lifecycles.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	directory  UserDirectory
	events     feed.Publisher
	logger     *zap.Logger
}

// NewService constructs the room service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rooms: database handle required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("rooms: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		directory:  cfg.Directory,
		events:     cfg.Events,
		logger:     logger,
	}, nil
}

// CreateInput carries the room creation payload. Template values apply only
// where the explicit fields are empty.
type CreateInput struct {
	OwnerID      string
	Name         string
	Instrument   string
	Description  string
	TimeFrames   []string
	IsPublic     bool
	PriceMonthly decimal.Decimal
	AssetClass   string
	TradingStyle string
	TemplateID   string
}

// Create persists a new room and enrolls the owner as an online member.
func (s *Service) Create(ctx context.Context, input CreateInput) (Room, error) {
	if strings.TrimSpace(input.OwnerID) == "" {
		return Room{}, fmt.Errorf("%w: owner id required", ErrValidation)
	}
	if input.TemplateID != "" {
		template, err := s.Template(ctx, input.TemplateID)
		if err != nil {
			return Room{}, err
		}
		if len(input.TimeFrames) == 0 {
			input.TimeFrames = template.TimeFrames
		}
		if input.AssetClass == "" {
			input.AssetClass = template.AssetClass
		}
		if input.TradingStyle == "" {
			input.TradingStyle = template.TradingStyle
		}
		if strings.TrimSpace(input.Name) == "" {
			input.Name = template.Name
		}
	}
	if err := validateRoomBasics(input.Name, input.Instrument, input.TimeFrames); err != nil {
		return Room{}, err
	}

	price := input.PriceMonthly
	if !input.IsPublic || price.IsNegative() {
		price = decimal.Zero
	}

	roomID, err := s.idProvider.NewID()
	if err != nil {
		return Room{}, err
	}
	now := s.clock().UTC().Unix()
	room := Room{
		ID:               roomID,
		Name:             strings.TrimSpace(input.Name),
		Instrument:       strings.TrimSpace(input.Instrument),
		Description:      input.Description,
		OwnerID:          input.OwnerID,
		IsActive:         true,
		IsPublic:         input.IsPublic,
		PriceMonthly:     price,
		AssetClass:       input.AssetClass,
		TradingStyle:     input.TradingStyle,
		TimeFrames:       datatypes.NewJSONSlice(input.TimeFrames),
		CreatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		member := Member{RoomID: roomID, UserID: input.OwnerID, IsOnline: true, LastSeenAtSeconds: now}
		return tx.Create(&member).Error
	})
	if txErr != nil {
		s.logger.Error("room create failed", zap.String("owner_id", input.OwnerID), zap.Error(txErr))
		return Room{}, txErr
	}

	s.publish(feed.Event{Table: feed.TableRooms, Op: feed.OperationInsert, RoomID: roomID, RowID: roomID})
	s.logger.Info("room created", zap.String("room_id", roomID), zap.String("owner_id", input.OwnerID))
	return room, nil
}

// Get returns an active room. Missing or deactivated rooms report ErrNotFound.
func (s *Service) Get(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", roomID, true).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// UpdateInput carries the owner-editable room fields; nil means unchanged.
type UpdateInput struct {
	Name         *string
	Description  *string
	TimeFrames   *[]string
	IsPublic     *bool
	PriceMonthly *decimal.Decimal
}

// Update applies owner-only room mutations: rename, time-frame set,
// visibility, and pricing.
func (s *Service) Update(ctx context.Context, actorID, roomID string, input UpdateInput) (Room, error) {
	room, role, err := s.roomRole(ctx, roomID, actorID)
	if err != nil {
		return Room{}, err
	}
	timeFrameChange := input.TimeFrames != nil
	if timeFrameChange && !role.CanManageTimeFrames() {
		return Room{}, ErrUnauthorized
	}
	if role != RoleOwner && !timeFrameChange {
		return Room{}, ErrUnauthorized
	}
	if role != RoleOwner && (input.Name != nil || input.Description != nil || input.IsPublic != nil || input.PriceMonthly != nil) {
		return Room{}, ErrUnauthorized
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return Room{}, fmt.Errorf("%w: name required", ErrValidation)
		}
		updates["name"] = name
		room.Name = name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
		room.Description = *input.Description
	}
	if timeFrameChange {
		frames := *input.TimeFrames
		if err := validateTimeFrames(frames); err != nil {
			return Room{}, err
		}
		slice := datatypes.NewJSONSlice(frames)
		updates["time_frames"] = slice
		room.TimeFrames = slice
	}
	if input.IsPublic != nil {
		updates["is_public"] = *input.IsPublic
		room.IsPublic = *input.IsPublic
	}
	if input.PriceMonthly != nil {
		price := *input.PriceMonthly
		if price.IsNegative() {
			return Room{}, fmt.Errorf("%w: price must not be negative", ErrValidation)
		}
		updates["price_monthly"] = price
		room.PriceMonthly = price
	}
	if len(updates) == 0 {
		return room, nil
	}

	if err := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
		s.logger.Error("room update failed", zap.String("room_id", roomID), zap.Error(err))
		return Room{}, err
	}
	s.publish(feed.Event{Table: feed.TableRooms, Op: feed.OperationUpdate, RoomID: roomID, RowID: roomID})
	return room, nil
}

// Deactivate soft-deletes the room. Owner only.
func (s *Service) Deactivate(ctx context.Context, actorID, roomID string) error {
	_, role, err := s.roomRole(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if !role.CanDeleteRoom() {
		return ErrUnauthorized
	}
	if err := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Update("is_active", false).Error; err != nil {
		return err
	}
	s.publish(feed.Event{Table: feed.TableRooms, Op: feed.OperationUpdate, RoomID: roomID, RowID: roomID})
	s.logger.Info("room deactivated", zap.String("room_id", roomID))
	return nil
}

// HardDelete removes the room and cascades to co-owners, members, and the
// bias ledger. Owner only; callers confirm before invoking.
func (s *Service) HardDelete(ctx context.Context, actorID, roomID string) error {
	_, role, err := s.roomRole(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if !role.CanDeleteRoom() {
		return ErrUnauthorized
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM bias_records WHERE room_id = ?", roomID).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&CoOwner{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&Member{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", roomID).Delete(&Room{}).Error
	})
	if txErr != nil {
		s.logger.Error("room hard delete failed", zap.String("room_id", roomID), zap.Error(txErr))
		return txErr
	}
	s.publish(feed.Event{Table: feed.TableRooms, Op: feed.OperationDelete, RoomID: roomID, RowID: roomID})
	s.logger.Info("room deleted", zap.String("room_id", roomID))
	return nil
}

// AddCoOwner grants equal mutation rights to the user behind the given email.
func (s *Service) AddCoOwner(ctx context.Context, actorID, roomID, email string) (CoOwner, error) {
	room, role, err := s.roomRole(ctx, roomID, actorID)
	if err != nil {
		return CoOwner{}, err
	}
	if !role.CanManageCoOwners() {
		return CoOwner{}, ErrUnauthorized
	}
	if s.directory == nil {
		return CoOwner{}, fmt.Errorf("rooms: user directory not configured")
	}
	userID, err := s.directory.UserIDByEmail(ctx, email)
	if err != nil {
		return CoOwner{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if userID == room.OwnerID {
		return CoOwner{}, fmt.Errorf("%w: owner already holds full rights", ErrValidation)
	}

	var existing CoOwner
	err = s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Take(&existing).Error
	if err == nil {
		return CoOwner{}, ErrCoOwnerExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return CoOwner{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return CoOwner{}, err
	}
	coOwner := CoOwner{ID: id, RoomID: roomID, UserID: userID, CreatedAtSeconds: s.clock().UTC().Unix()}
	if err := s.db.WithContext(ctx).Create(&coOwner).Error; err != nil {
		return CoOwner{}, err
	}
	s.publish(feed.Event{Table: feed.TableCoOwners, Op: feed.OperationInsert, RoomID: roomID, RowID: id})
	return coOwner, nil
}

// RemoveCoOwner revokes a single co-ownership.
func (s *Service) RemoveCoOwner(ctx context.Context, actorID, roomID, userID string) error {
	_, role, err := s.roomRole(ctx, roomID, actorID)
	if err != nil {
		return err
	}
	if !role.CanManageCoOwners() {
		return ErrUnauthorized
	}
	result := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&CoOwner{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	s.publish(feed.Event{Table: feed.TableCoOwners, Op: feed.OperationDelete, RoomID: roomID, RowID: userID})
	return nil
}

// ListCoOwners returns the room's co-owner set.
func (s *Service) ListCoOwners(ctx context.Context, roomID string) ([]CoOwner, error) {
	var coOwners []CoOwner
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at_s ASC").Find(&coOwners).Error
	if err != nil {
		return nil, err
	}
	return coOwners, nil
}

// Join upserts the caller as an online member of the room.
func (s *Service) Join(ctx context.Context, roomID, userID string) error {
	if _, err := s.Get(ctx, roomID); err != nil {
		return err
	}
	member := Member{RoomID: roomID, UserID: userID, IsOnline: true, LastSeenAtSeconds: s.clock().UTC().Unix()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_seen_at_s"}),
	}).Create(&member).Error
	if err != nil {
		return err
	}
	s.publish(feed.Event{Table: feed.TableMembers, Op: feed.OperationInsert, RoomID: roomID, RowID: userID})
	return nil
}

// SetPresence flips the member's online flag. Leaving a room is presence
// going offline, never a row deletion.
func (s *Service) SetPresence(ctx context.Context, roomID, userID string, online bool) error {
	updates := map[string]interface{}{
		"is_online":      online,
		"last_seen_at_s": s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Model(&Member{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.publish(feed.Event{Table: feed.TableMembers, Op: feed.OperationUpdate, RoomID: roomID, RowID: userID})
	return nil
}

// ListMembers returns every membership row for the room, online or not.
func (s *Service) ListMembers(ctx context.Context, roomID string) ([]Member, error) {
	var members []Member
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("user_id ASC").Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

// ListMine returns active rooms the user owns or belongs to.
func (s *Service) ListMine(ctx context.Context, userID string) ([]Room, error) {
	var roomList []Room
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND (owner_id = ? OR id IN (?))",
			true, userID,
			s.db.Model(&Member{}).Select("room_id").Where("user_id = ?", userID)).
		Order("created_at_s DESC").
		Find(&roomList).Error
	if err != nil {
		return nil, err
	}
	return roomList, nil
}

// ListPublic returns active public rooms, newest first.
func (s *Service) ListPublic(ctx context.Context) ([]Room, error) {
	var roomList []Room
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND is_public = ?", true, true).
		Order("created_at_s DESC").
		Find(&roomList).Error
	if err != nil {
		return nil, err
	}
	return roomList, nil
}

// Templates lists creation presets ordered by name.
func (s *Service) Templates(ctx context.Context) ([]Template, error) {
	var templates []Template
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// Template fetches a single creation preset.
func (s *Service) Template(ctx context.Context, templateID string) (Template, error) {
	var template Template
	err := s.db.WithContext(ctx).Where("id = ?", templateID).Take(&template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Template{}, fmt.Errorf("%w: template %s", ErrNotFound, templateID)
	}
	if err != nil {
		return Template{}, err
	}
	return template, nil
}

// RoleFor re-derives the actor's role for an active room.
func (s *Service) RoleFor(ctx context.Context, roomID, actorID string) (Role, error) {
	_, role, err := s.roomRole(ctx, roomID, actorID)
	return role, err
}

func (s *Service) roomRole(ctx context.Context, roomID, actorID string) (Room, Role, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return Room{}, RoleNone, err
	}
	coOwners, err := s.ListCoOwners(ctx, roomID)
	if err != nil {
		return Room{}, RoleNone, err
	}
	members, err := s.ListMembers(ctx, roomID)
	if err != nil {
		return Room{}, RoleNone, err
	}
	return room, PermissionFor(room, coOwners, members, actorID), nil
}

func (s *Service) publish(event feed.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

func validateRoomBasics(name, instrument string, timeFrames []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if strings.TrimSpace(instrument) == "" {
		return fmt.Errorf("%w: instrument required", ErrValidation)
	}
	return validateTimeFrames(timeFrames)
}

func validateTimeFrames(timeFrames []string) error {
	if len(timeFrames) == 0 {
		return fmt.Errorf("%w: at least one time frame required", ErrValidation)
	}
	if len(timeFrames) > MaxTimeFrames {
		return fmt.Errorf("%w: at most %d time frames allowed", ErrValidation, MaxTimeFrames)
	}
	seen := make(map[string]struct{}, len(timeFrames))
	for _, frame := range timeFrames {
		label := strings.TrimSpace(frame)
		if label == "" {
			return fmt.Errorf("%w: empty time frame label", ErrValidation)
		}
		if label == "SYSTEM" {
			return fmt.Errorf("%w: reserved time frame label", ErrValidation)
		}
		if _, ok := seen[label]; ok {
			return fmt.Errorf("%w: duplicate time frame %q", ErrValidation, label)
		}
		seen[label] = struct{}{}
	}
	return nil
}
