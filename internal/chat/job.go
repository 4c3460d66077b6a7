package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobTrigger string

const (
	TriggerAuto   JobTrigger = "auto"
	TriggerManual JobTrigger = "manual"
)

// Job is one queued summary generation for a session.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	OrganizationID uint64     `gorm:"index;not null"`
	SessionID      string     `gorm:"size:26;index;not null"`
	Trigger        JobTrigger `gorm:"type:varchar(16);not null"`
	RequestedBy    *uint64

	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	SummaryID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "summary_jobs" }

func (j *Job) OrgID() uint64 { return j.OrganizationID }
