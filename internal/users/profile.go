package users

import (
	"strings"
	"time"
)

// Profile captures the identity attributes the rooms and session layers need:
// a canonical user id, a display name, and the e-mail used for co-owner
// invites. Authentication itself lives with the external identity provider.
type Profile struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username   string    `gorm:"column:username;size:190;not null;default:''"`
	Email      string    `gorm:"column:email;size:320;uniqueIndex"`
	AvatarURL  string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
