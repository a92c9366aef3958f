package rooms

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MaxTimeFrames bounds the configured time-frame list of a room. The order of
// the list is display order and is preserved as stored.
const MaxTimeFrames = 7

// Room is a shared strategy space in which members publish directional biases.
type Room struct {
	ID               string                      `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name             string                      `gorm:"column:name;size:190;not null" json:"name"`
	Instrument       string                      `gorm:"column:instrument;size:64;not null" json:"instrument"`
	Description      string                      `gorm:"column:description;type:text;not null;default:''" json:"description"`
	OwnerID          string                      `gorm:"column:owner_id;size:190;not null;index" json:"owner_id"`
	IsActive         bool                        `gorm:"column:is_active;not null;default:true" json:"is_active"`
	IsPublic         bool                        `gorm:"column:is_public;not null;default:false" json:"is_public"`
	PriceMonthly     decimal.Decimal             `gorm:"column:price_monthly;type:decimal(10,2);not null;default:0" json:"price_monthly"`
	AssetClass       string                      `gorm:"column:asset_class;size:32;not null;default:''" json:"asset_class"`
	TradingStyle     string                      `gorm:"column:trading_style;size:32;not null;default:''" json:"trading_style"`
	TimeFrames       datatypes.JSONSlice[string] `gorm:"column:time_frames;not null" json:"time_frames"`
	CreatedAtSeconds int64                       `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// CoOwner grants a user mutation rights equal to the owner's, save deletion.
type CoOwner struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	RoomID           string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_co_owner_room_user,priority:1" json:"room_id"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_co_owner_room_user,priority:2" json:"user_id"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (CoOwner) TableName() string {
	return "room_co_owners"
}

// Member records presence only; bias is always derived from the ledger.
type Member struct {
	RoomID            string `gorm:"column:room_id;primaryKey;size:190;not null" json:"room_id"`
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	IsOnline          bool   `gorm:"column:is_online;not null;default:false" json:"is_online"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null;default:0" json:"last_seen_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "room_members"
}

// Template is a creation-time preset of name, time frames, and classification.
type Template struct {
	ID           string                      `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name         string                      `gorm:"column:name;size:190;not null" json:"name"`
	Description  string                      `gorm:"column:description;type:text;not null;default:''" json:"description"`
	TimeFrames   datatypes.JSONSlice[string] `gorm:"column:time_frames;not null" json:"time_frames"`
	AssetClass   string                      `gorm:"column:asset_class;size:32;not null;default:''" json:"asset_class"`
	TradingStyle string                      `gorm:"column:trading_style;size:32;not null;default:''" json:"trading_style"`
	IsSystem     bool                        `gorm:"column:is_system;not null;default:false" json:"is_system"`
}

// TableName provides the explicit table binding for GORM.
func (Template) TableName() string {
	return "room_templates"
}
