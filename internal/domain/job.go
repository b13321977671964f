package domain

import (
	"maps"
	"time"
)

// Subject holds the parameters a report is generated for (name, dates, …).
// Keys are free-form; the content producer decides which ones it reads.
type Subject map[string]string

// JobStatus is the lifecycle state of a fulfillment Job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether the status accepts no further mutation.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// Job is one tracked unit of asynchronous fulfillment work.
//
// Invariants: Progress stays in [0,100], never decreases while the job is not
// terminal, and reaches 100 only together with JobStatusCompleted.
// ResultLocation is set only when completed, ErrorDetail only on error.
type Job struct {
	ID             string     `json:"id"                        gorm:"type:char(36);primaryKey"`
	Status         JobStatus  `json:"status"                    gorm:"type:varchar(16);not null;index"`
	Progress       float64    `json:"progress"                  gorm:"not null;default:0"`
	Message        string     `json:"message"                   gorm:"type:text"`
	Subject        Subject    `json:"subject,omitempty"         gorm:"type:text;serializer:json"`
	ResultLocation string     `json:"result_location,omitempty" gorm:"type:varchar(512)"`
	ErrorDetail    string     `json:"error_detail,omitempty"    gorm:"type:text"`
	Degraded       bool       `json:"degraded"`
	ChargeID       string     `json:"charge_id,omitempty"       gorm:"type:varchar(64);index"`
	ChargeMode     ChargeMode `json:"charge_mode,omitempty"     gorm:"type:varchar(16)"`
	CreatedAt      time.Time  `json:"created_at"                gorm:"index;autoCreateTime:false"`
	UpdatedAt      time.Time  `json:"updated_at"                gorm:"autoUpdateTime:false"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }

// NewJob returns a pending job.
func NewJob(id string, subject Subject, now time.Time) *Job {
	return &Job{
		ID:        id,
		Status:    JobStatusPending,
		Message:   "queued",
		Subject:   maps.Clone(subject),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Subject = maps.Clone(j.Subject)
	return &cp
}

// Start moves a pending job to processing.
func (j *Job) Start(msg string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	j.Status = JobStatusProcessing
	j.Message = msg
	j.UpdatedAt = now
	return nil
}

// Advance records progress. Values below the current progress are ignored and
// values are capped below 100, which is reserved for completion.
func (j *Job) Advance(progress float64, msg string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	if progress > 99 {
		progress = 99
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	if msg != "" {
		j.Message = msg
	}
	j.UpdatedAt = now
	return nil
}

// Complete marks the job completed with its result location.
func (j *Job) Complete(location, msg string, degraded bool, now time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.ResultLocation = location
	j.Degraded = degraded
	j.Message = msg
	j.UpdatedAt = now
	return nil
}

// Fail marks the job as errored; progress stays where it was.
func (j *Job) Fail(detail string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	j.Status = JobStatusError
	j.ErrorDetail = detail
	j.Message = "report generation failed"
	j.UpdatedAt = now
	return nil
}

// Section is one independently generated part of a report.
type Section struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Index    int    `json:"index"`
	Content  string `json:"content"`
	Fallback bool   `json:"fallback"`
}

// EventType names a progress stream event.
type EventType string

const (
	EventConnected EventType = "connected"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// ProgressEvent is an ephemeral view of a job at emission time.
type ProgressEvent struct {
	Type           EventType `json:"type"`
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status,omitempty"`
	Progress       float64   `json:"progress"`
	Message        string    `json:"message,omitempty"`
	ResultLocation string    `json:"result_location,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventFromJob derives an event of type t from a job snapshot.
func EventFromJob(t EventType, j *Job, now time.Time) ProgressEvent {
	return ProgressEvent{
		Type:           t,
		JobID:          j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		Message:        j.Message,
		ResultLocation: j.ResultLocation,
		ErrorDetail:    j.ErrorDetail,
		Degraded:       j.Degraded,
		Timestamp:      now,
	}
}
