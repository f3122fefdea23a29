package entities

import "time"

// Session represents the persisted voice session record.
type Session struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserID         string `gorm:"index;size:64"`
	ConversationID string `gorm:"size:64"`
	Status         string `gorm:"index;size:16"`
	ActiveJobID    string `gorm:"size:64"`

	Language   string `gorm:"size:16"`
	STTMode    string `gorm:"size:16"`
	TTSEnabled bool

	MessageCount    int
	TotalDurationMs int64
	AvgLatencyMs    int64

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}
