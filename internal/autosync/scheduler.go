package autosync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/models"
)

// monitorTask is one running monitor loop and its cancellation state
type monitorTask struct {
	configID string
	cancel   chan struct{}
	done     chan struct{}
}

// stopped reports whether the cancellation signal has been set
func (t *monitorTask) stopped() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// alive reports whether the loop goroutine is still running
func (t *monitorTask) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// stopJoinTimeout bounds the wait for a monitor loop to exit
const stopJoinTimeout = 10 * time.Second

// Scheduler is the process-wide registry of monitor tasks, one per
// auto-sync configuration. Registration and deregistration are
// serialized by a mutex; the loops themselves run concurrently.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*monitorTask
	manager *Manager
	storage interfaces.Storage
	cron    *cron.Cron
	logger  arbor.ILogger
}

var (
	schedulerInstance *Scheduler
	schedulerOnce     sync.Once
)

// Initialize creates the singleton scheduler on first call; later calls
// return the existing one.
func Initialize(storage interfaces.Storage, manager *Manager, logger arbor.ILogger) *Scheduler {
	schedulerOnce.Do(func() {
		schedulerInstance = &Scheduler{
			tasks:   make(map[string]*monitorTask),
			manager: manager,
			storage: storage,
			logger:  logger,
		}
	})
	return schedulerInstance
}

// Get returns the singleton scheduler, nil before Initialize
func Get() *Scheduler {
	return schedulerInstance
}

// Start spawns the monitor task for one configuration. It refuses
// configurations that are not active automatic ones, and refuses to
// double-start a live task.
func (s *Scheduler) Start(configID string) error {
	config, err := s.storage.GetConfig(configID)
	if err != nil {
		return fmt.Errorf("configuration %s not found: %w", configID, err)
	}
	if !config.IsActive {
		return fmt.Errorf("configuration %s is not active", configID)
	}
	if config.ExecutionMode != models.ExecutionModeAutomatic {
		return fmt.Errorf("configuration %s is not in automatic mode", configID)
	}

	settings, err := s.manager.Settings(configID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task, exists := s.tasks[configID]; exists && task.alive() {
		return fmt.Errorf("monitor already running for configuration %s", configID)
	}

	task := &monitorTask{
		configID: configID,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.tasks[configID] = task

	go s.monitorLoop(task, config, settings)

	s.logger.Info().
		Str("config", config.Name).
		Int("interval", settings.CheckInterval).
		Msg("Auto-sync monitor started")
	return nil
}

// StartAll starts a monitor for every active automatic configuration
// with enabled settings. Returns the number started.
func (s *Scheduler) StartAll() (int, error) {
	configs, err := s.storage.GetActiveConfigs()
	if err != nil {
		return 0, err
	}

	started := 0
	for _, config := range configs {
		if config.ExecutionMode != models.ExecutionModeAutomatic {
			continue
		}
		settings, err := s.manager.Settings(config.ID)
		if err != nil || !settings.IsEnabled {
			continue
		}
		if err := s.Start(config.ID); err != nil {
			s.logger.Warn().Err(err).Str("config", config.ID).Msg("Monitor not started")
			continue
		}
		started++
	}
	return started, nil
}

// Stop sets the cancellation signal for one monitor and joins it with a
// deadline. An in-flight job is not interrupted; the loop exits at its
// next suspension point.
func (s *Scheduler) Stop(configID string) error {
	s.mu.Lock()
	task, exists := s.tasks[configID]
	if exists {
		delete(s.tasks, configID)
	}
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("no monitor running for configuration %s", configID)
	}

	if !task.stopped() {
		close(task.cancel)
	}

	select {
	case <-task.done:
		s.logger.Info().Str("config", configID).Msg("Auto-sync monitor stopped")
		return nil
	case <-time.After(stopJoinTimeout):
		s.logger.Warn().Str("config", configID).Msg("Auto-sync monitor did not stop within deadline")
		return fmt.Errorf("monitor for configuration %s did not stop within %s", configID, stopJoinTimeout)
	}
}

// StopAll stops every running monitor
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.logger.Warn().Err(err).Str("config", id).Msg("Monitor stop failed")
		}
	}
}

// Restart stops a monitor, waits a beat and starts it again
func (s *Scheduler) Restart(configID string) error {
	if err := s.Stop(configID); err != nil {
		s.logger.Warn().Err(err).Str("config", configID).Msg("Stop before restart failed")
	}
	time.Sleep(time.Second)
	return s.Start(configID)
}

// Running returns the configuration ids with a live monitor
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id, task := range s.tasks {
		if task.alive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsRunning reports whether a live monitor exists for the configuration
func (s *Scheduler) IsRunning(configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, exists := s.tasks[configID]
	return exists && task.alive()
}

// Cleanup restarts dead monitors (task registered, signal not set, but
// goroutine gone) and sweeps the job retry queue. Wired to the cron
// schedule by StartCron.
func (s *Scheduler) Cleanup() {
	s.mu.Lock()
	var dead []string
	for id, task := range s.tasks {
		if !task.stopped() && !task.alive() {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, id := range dead {
		s.logger.Warn().Str("config", id).Msg("Dead monitor detected, restarting")
		if err := s.Start(id); err != nil {
			s.logger.Error().Err(err).Str("config", id).Msg("Dead monitor restart failed")
		}
	}

	// Monitors enabled since the last pass get started here
	if enabled, err := s.storage.GetEnabledSettings(); err == nil {
		for _, settings := range enabled {
			if s.IsRunning(settings.ConfigID) {
				continue
			}
			if err := s.Start(settings.ConfigID); err != nil {
				s.logger.Debug().Err(err).Str("config", settings.ConfigID).Msg("Monitor not started")
			}
		}
	}

	// Monitors disabled since the last pass get stopped
	for _, id := range s.Running() {
		settings, err := s.manager.Settings(id)
		if err != nil || settings.IsEnabled {
			continue
		}
		if err := s.Stop(id); err != nil {
			s.logger.Warn().Err(err).Str("config", id).Msg("Monitor stop failed")
		}
	}

	s.sweepRetries()
}

// StartCron registers the periodic cleanup with the given cron
// expression and starts the timer.
func (s *Scheduler) StartCron(schedule string) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.Cleanup); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info().Str("schedule", schedule).Msg("Cleanup schedule armed")
	return nil
}

// Shutdown stops the cron timer and every monitor
func (s *Scheduler) Shutdown() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.StopAll()
}

// monitorLoop is one configuration's monitor task: optional initial
// delay, then tick and sleep until cancelled. Stopping the loop never
// interrupts an in-flight job.
func (s *Scheduler) monitorLoop(task *monitorTask, config *models.SyncConfiguration, settings *models.AutoSyncSettings) {
	defer close(task.done)

	if delay := settings.DelayBeforeSyncDuration(); delay > 0 {
		select {
		case <-task.cancel:
			return
		case <-time.After(delay):
		}
	}

	for {
		if task.stopped() {
			return
		}

		decision := s.manager.Tick(context.Background(), config)
		switch decision.Action {
		case ActionError:
			s.logger.Warn().Err(decision.Err).Str("config", config.ID).Msg("Monitor tick failed")
		case ActionSkipped:
			s.logger.Debug().
				Str("config", config.ID).
				Str("reason", decision.CannotSync).
				Dur("retryIn", decision.RetryIn).
				Msg("Monitor tick skipped")
		case ActionNoChanges:
			s.logger.Debug().Str("config", config.ID).Msg("No changes detected")
		}

		select {
		case <-task.cancel:
			return
		case <-time.After(settings.CheckIntervalDuration()):
		}
	}
}

// sweepRetries advances the job retry state machine: failed parents
// with budget left are armed with a backoff slot, and due slots spawn
// and execute their retry child.
func (s *Scheduler) sweepRetries() {
	retryable, err := s.storage.GetRetryableJobs()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Retry sweep failed to list failed jobs")
		return
	}
	for _, job := range retryable {
		// A configuration that recovered on its own does not keep
		// retrying an old failure
		if s.configRecoveredSince(job) {
			job.Status = models.JobStatusFailedPermanently
			job.NextRetryAt = nil
		} else if job.ScheduleRetry() {
			s.logger.Info().
				Str("job", job.ID).
				Str("nextRetryAt", job.NextRetryAt.Format(time.RFC3339)).
				Msg("Job scheduled for retry")
		}
		if err := s.storage.SaveJob(job); err != nil {
			s.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to persist retry state")
		}
	}

	due, err := s.storage.GetDueRetries()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Retry sweep failed to list due retries")
		return
	}
	for _, job := range due {
		if live, err := s.storage.GetLiveJob(job.ConfigID); err != nil || live != nil {
			continue
		}
		config, err := s.storage.GetConfig(job.ConfigID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", job.ID).Msg("Retry skipped, configuration missing")
			continue
		}

		child := job.NewRetryJob()

		// Consume the slot; the parent becomes eligible again only if
		// the child fails and budget remains
		job.RetryCount++
		job.NextRetryAt = nil
		if job.RetryCount >= job.MaxRetries {
			job.Status = models.JobStatusFailedPermanently
		} else {
			job.Status = models.JobStatusFailed
		}
		if err := s.storage.SaveJob(job); err != nil {
			s.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to persist retry consumption")
			continue
		}

		s.logger.Info().
			Str("parent", job.ID).
			Str("job", child.ID).
			Int("attempt", child.RetryCount).
			Msg("Executing retry job")

		go func(cfg *models.SyncConfiguration, retry *models.SyncJob) {
			if _, err := s.manager.orchestrator.ExecuteJob(context.Background(), cfg, retry, nil); err != nil {
				s.logger.Error().Err(err).Str("config", cfg.ID).Msg("Retry execution failed")
			}
		}(config, child)
	}
}

// configRecoveredSince reports whether a job newer than the failed one
// completed successfully for the same configuration.
func (s *Scheduler) configRecoveredSince(job *models.SyncJob) bool {
	latest, err := s.storage.ListJobs(interfaces.JobListOptions{ConfigID: job.ConfigID, Limit: 1})
	if err != nil || len(latest) == 0 {
		return false
	}
	newest := latest[0]
	if newest.ID == job.ID || !newest.CreatedAt.After(job.CreatedAt) {
		return false
	}
	return newest.Status == models.JobStatusCompleted || newest.Status == models.JobStatusCompletedWithWarnings
}
