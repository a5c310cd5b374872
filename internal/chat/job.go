package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an async send. The user message and the assistant placeholder are
// written before the job is queued; the worker only fills the placeholder.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID    uint64 `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1"`
	SessionID string `gorm:"size:26;index;not null"`

	Prompt        string `gorm:"type:text;not null"`
	PlaceholderID uint64 `gorm:"index;not null"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "chat_jobs" }
