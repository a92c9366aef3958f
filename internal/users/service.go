package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidProfile indicates the supplied identity had no usable id.
	ErrInvalidProfile = errors.New("users: invalid profile")
	// ErrNotFound indicates no profile matches the lookup.
	ErrNotFound = errors.New("users: profile not found")
)

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages user profiles and serves identity lookups for invites.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	emailCache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ProfileInput carries the identity attributes asserted by the session layer.
type ProfileInput struct {
	UserID    string
	Username  string
	Email     string
	AvatarURL string
}

// EnsureProfile creates or refreshes the profile row for the asserted
// identity and returns the stored profile.
func (s *Service) EnsureProfile(ctx context.Context, input ProfileInput) (Profile, error) {
	userID := normalize(input.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidProfile
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:     userID,
			Username:   normalize(input.Username),
			Email:      normalizeEmail(input.Email),
			AvatarURL:  normalize(input.AvatarURL),
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{}
	if username := normalize(input.Username); username != "" && username != profile.Username {
		updates["username"] = username
		profile.Username = username
	}
	if email := normalizeEmail(input.Email); email != "" && email != profile.Email {
		updates["email"] = email
		s.emailCache.Delete(profile.Email)
		profile.Email = email
	}
	if avatar := normalize(input.AvatarURL); avatar != "" && avatar != profile.AvatarURL {
		updates["avatar_url"] = avatar
		profile.AvatarURL = avatar
	}
	updates["last_seen_at"] = s.now()
	_ = s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(updates).Error
	return profile, nil
}

// Get returns the profile for the given canonical user id.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// UserIDByEmail resolves a co-owner invite target. Results are cached; the
// cache entry is dropped whenever the profile's e-mail changes.
func (s *Service) UserIDByEmail(ctx context.Context, email string) (string, error) {
	key := normalizeEmail(email)
	if key == "" {
		return "", ErrNotFound
	}
	if cached, ok := s.emailCache.Load(key); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("email = ?", key).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	s.emailCache.Store(key, profile.UserID)
	return profile.UserID, nil
}
