package bias

// RecordStatus describes whether a ledger entry still contributes to consensus.
type RecordStatus string

const (
	// StatusActive marks the current stance for a (room, author, time frame) triple.
	StatusActive RecordStatus = "active"
	// StatusArchived marks a superseded or reset stance.
	StatusArchived RecordStatus = "archived"
)

// TimeFrameSystem is the synthetic time frame used by reset markers so the
// history ledger records why every active stance vanished at once.
const TimeFrameSystem = "SYSTEM"

// Record is the atomic unit of bias state. The ledger is append-only:
// direction changes archive the prior record and insert a new one, never
// mutate in place. Only rationale and invalidation may be edited in place.
type Record struct {
	ID                    string       `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	RoomID                string       `gorm:"column:room_id;size:190;not null;index:idx_bias_room_status,priority:1" json:"room_id"`
	AuthorID              string       `gorm:"column:author_id;size:190;not null;index:idx_bias_room_status,priority:3" json:"author_id"`
	TimeFrame             string       `gorm:"column:time_frame;size:32;not null;index:idx_bias_room_status,priority:4" json:"time_frame"`
	Direction             Direction    `gorm:"column:direction;size:16;not null" json:"direction"`
	Rationale             string       `gorm:"column:rationale;type:text;not null;default:''" json:"rationale"`
	InvalidationCondition string       `gorm:"column:invalidation_condition;type:text;not null;default:''" json:"invalidation_condition"`
	Status                RecordStatus `gorm:"column:status;size:16;not null;index:idx_bias_room_status,priority:2" json:"status"`
	CreatedAtSeconds      int64        `gorm:"column:created_at_s;not null;index" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "bias_records"
}

// IsResetMarker reports whether the record is a synthetic reset entry rather
// than an authored stance.
func (r Record) IsResetMarker() bool {
	return r.TimeFrame == TimeFrameSystem
}
