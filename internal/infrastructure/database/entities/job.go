package entities

import "time"

// Job represents a persisted unit of background work.
type Job struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64"`
	Type      string `gorm:"size:16"`
	Status    string `gorm:"index;size:16"`
	Attempts  int

	ChunkFrom        int
	ChunkTo          int
	ContentType      string `gorm:"size:64"`
	Language         string `gorm:"size:16"`
	Text             string `gorm:"type:text"`
	TTSEnabled       bool
	UserID           string `gorm:"size:64"`
	ConversationID   string `gorm:"size:64"`
	UtteranceStartMs int64

	Result string `gorm:"type:text"`
	Error  string `gorm:"type:text"`

	QueuedAt      time.Time
	NextAttemptAt time.Time `gorm:"index"`
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
