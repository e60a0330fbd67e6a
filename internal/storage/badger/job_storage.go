package badger

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/models"
)

// SaveJob upserts a job record
func (s *Service) SaveJob(job *models.SyncJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob loads one job by id
func (s *Service) GetJob(id string) (*models.SyncJob, error) {
	var job models.SyncJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs pages jobs newest first, optionally narrowed by
// configuration and status.
func (s *Service) ListJobs(opts interfaces.JobListOptions) ([]*models.SyncJob, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts.ConfigID != "" {
		query = query.And("ConfigID").Eq(opts.ConfigID)
	}
	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}

	var jobs []*models.SyncJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetLiveJob returns the PENDING or RUNNING job for a configuration,
// nil when the configuration is idle. At most one exists by the
// admission rule.
func (s *Service) GetLiveJob(configID string) (*models.SyncJob, error) {
	var jobs []*models.SyncJob
	query := badgerhold.Where("ConfigID").Eq(configID).
		And("Status").In(models.JobStatusPending, models.JobStatusRunning).
		Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query live jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// GetRetryableJobs returns the FAILED non-retry jobs still holding
// retry budget.
func (s *Service) GetRetryableJobs() ([]*models.SyncJob, error) {
	var jobs []*models.SyncJob
	query := badgerhold.Where("Status").Eq(models.JobStatusFailed).
		And("IsRetry").Eq(false)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query retryable jobs: %w", err)
	}
	// The per-job retry budget is checked in code
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.CanRetry() {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// GetDueRetries returns RETRYING jobs whose slot has fired
func (s *Service) GetDueRetries() ([]*models.SyncJob, error) {
	var jobs []*models.SyncJob
	query := badgerhold.Where("Status").Eq(models.JobStatusRetrying)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query retrying jobs: %w", err)
	}
	now := time.Now()
	due := jobs[:0]
	for _, job := range jobs {
		if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			due = append(due, job)
		}
	}
	return due, nil
}

// DeleteJob removes one job record
func (s *Service) DeleteJob(id string) error {
	if err := s.db.Store().Delete(id, &models.SyncJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job not found: %s", id)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
