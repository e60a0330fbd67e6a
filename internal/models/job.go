package models

import (
	"strings"
	"time"

	"github.com/ternarybob/replico/internal/common"
)

// JobStatus represents the lifecycle state of a sync job
type JobStatus string

const (
	JobStatusPending               JobStatus = "pending"
	JobStatusRunning               JobStatus = "running"
	JobStatusCompleted             JobStatus = "completed"
	JobStatusCompletedWithWarnings JobStatus = "completed_with_warnings"
	JobStatusFailed                JobStatus = "failed"
	JobStatusCancelled             JobStatus = "cancelled"
	JobStatusRetrying              JobStatus = "retrying"
	JobStatusFailedPermanently     JobStatus = "failed_permanently"
)

// DefaultMaxRetries is the retry budget applied to new jobs
const DefaultMaxRetries = 3

// SyncJob is one attempted execution of (part of) a configuration
type SyncJob struct {
	ID       string    `json:"id" badgerhold:"key"`
	ConfigID string    `json:"config_id" badgerhold:"index"`
	JobType  SyncType  `json:"job_type"`
	Status   JobStatus `json:"status" badgerhold:"index"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Progress       float64 `json:"progress"` // 0..100, monotonically non-decreasing
	TotalItems     int     `json:"total_items"`
	ProcessedItems int     `json:"processed_items"`
	SuccessCount   int     `json:"success_count"`
	ErrorCount     int     `json:"error_count"`
	WarningCount   int     `json:"warning_count"`

	// Append-only operator-facing log
	LogMessage string `json:"log_message"`

	// Retry accounting
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	ParentJobID string     `json:"parent_job_id,omitempty"`
	IsRetry     bool       `json:"is_retry"`
}

// NewSyncJob creates a pending job for a configuration
func NewSyncJob(configID string, jobType SyncType) *SyncJob {
	return &SyncJob{
		ID:         common.NewJobID(),
		ConfigID:   configID,
		JobType:    jobType,
		Status:     JobStatusPending,
		CreatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
	}
}

// RetryDelay returns the backoff before retry n: 60*2^n seconds, capped at one hour
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := 60 * time.Second
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	if delay > time.Hour {
		return time.Hour
	}
	return delay
}

// MarkStarted transitions the job to running
func (j *SyncJob) MarkStarted() {
	j.Status = JobStatusRunning
	now := time.Now()
	j.StartedAt = &now
}

// MarkCompleted finalizes the job; warnings downgrade the status
func (j *SyncJob) MarkCompleted() {
	if j.ErrorCount > 0 || j.WarningCount > 0 {
		j.Status = JobStatusCompletedWithWarnings
	} else {
		j.Status = JobStatusCompleted
	}
	now := time.Now()
	j.CompletedAt = &now
	j.SetProgress(100)
}

// MarkFailed finalizes the job with an error message
func (j *SyncJob) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.LastError = errorMsg
	now := time.Now()
	j.CompletedAt = &now
}

// MarkCancelled finalizes the job as cancelled
func (j *SyncJob) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
}

// IsTerminal returns true if the job is in a terminal state
func (j *SyncJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCompletedWithWarnings, JobStatusCancelled, JobStatusFailedPermanently:
		return true
	}
	return false
}

// IsLive returns true while the job counts against the one-job-per-configuration rule
func (j *SyncJob) IsLive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// CanRetry reports whether the retry FSM may pick this job up
func (j *SyncJob) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries && !j.IsRetry
}

// ScheduleRetry transitions failed -> retrying and arms the retry slot.
// When the budget is exhausted the job becomes failed_permanently.
func (j *SyncJob) ScheduleRetry() bool {
	if j.Status != JobStatusFailed || j.IsRetry {
		return false
	}
	if j.RetryCount >= j.MaxRetries {
		j.Status = JobStatusFailedPermanently
		return false
	}
	j.Status = JobStatusRetrying
	next := time.Now().Add(RetryDelay(j.RetryCount))
	j.NextRetryAt = &next
	return true
}

// NewRetryJob creates the pending child executed when the retry slot fires
func (j *SyncJob) NewRetryJob() *SyncJob {
	child := NewSyncJob(j.ConfigID, j.JobType)
	child.ParentJobID = j.ID
	child.IsRetry = true
	child.RetryCount = j.RetryCount + 1
	return child
}

// SetProgress clamps to [0,100] and never moves backwards
func (j *SyncJob) SetProgress(pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > j.Progress {
		j.Progress = pct
	}
}

// AppendLog adds one line to the append-only job log
func (j *SyncJob) AppendLog(line string) {
	if line == "" {
		return
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	j.LogMessage += line
}

// AddProcessed advances the item counters and derives progress
func (j *SyncJob) AddProcessed(n int) {
	j.ProcessedItems += n
	if j.TotalItems > 0 {
		if j.ProcessedItems > j.TotalItems {
			j.ProcessedItems = j.TotalItems
		}
		j.SetProgress(float64(j.ProcessedItems) / float64(j.TotalItems) * 100)
	}
}

// Duration returns the wall-clock execution time, zero while unfinished
func (j *SyncJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
