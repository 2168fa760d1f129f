package models

import "time"

// SessionTurnModel is the GORM row for one session transcript entry.
// Metadata is stored as a JSON string.
type SessionTurnModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index:idx_session_turn,priority:1;size:64;not null"`
	TurnIndex int    `gorm:"index:idx_session_turn,priority:2;not null"`
	Role      string `gorm:"size:16;not null"`
	Type      string `gorm:"size:24;not null"`
	Status    string `gorm:"size:32"`
	Content   string `gorm:"type:text"`
	Metadata  string `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName fixes the table name.
func (SessionTurnModel) TableName() string {
	return "session_turns"
}
