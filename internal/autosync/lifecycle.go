package autosync

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/models"
	syncengine "github.com/ternarybob/replico/internal/sync"
)

// Tick actions
const (
	ActionSkipped   = "skipped"
	ActionNoChanges = "no_changes"
	ActionSynced    = "synced"
	ActionError     = "error"
)

// Blocking reasons for ActionSkipped
const (
	ReasonDisabled  = "disabled"
	ReasonRunning   = "running"
	ReasonCooldown  = "cooldown"
	ReasonThrottled = "throttled"
)

// Decision is the outcome of one lifecycle tick
type Decision struct {
	Action     string
	CannotSync string
	RetryIn    time.Duration
	Detection  *Detection
	Job        *models.SyncJob
	Err        error
}

// Manager decides, each tick, whether a configuration syncs and with
// which phases: disabled and running checks first, then cooldown, then
// the hourly rate limit, then change detection, then the initial-versus
// -incremental choice.
type Manager struct {
	storage      interfaces.Storage
	cache        *ReplicationCache
	detector     *Detector
	orchestrator *syncengine.Orchestrator
	tuning       common.SyncConfig
	defaults     common.AutoSyncConfig
	logger       arbor.ILogger
}

// NewManager wires the lifecycle manager
func NewManager(storage interfaces.Storage, cache *ReplicationCache, orchestrator *syncengine.Orchestrator, tuning common.SyncConfig, defaults common.AutoSyncConfig, logger arbor.ILogger) *Manager {
	return &Manager{
		storage:      storage,
		cache:        cache,
		detector:     NewDetector(cache, logger),
		orchestrator: orchestrator,
		tuning:       tuning,
		defaults:     defaults,
		logger:       logger,
	}
}

// Settings returns the stored auto-sync settings for a configuration,
// or process defaults when none are stored.
func (m *Manager) Settings(configID string) (*models.AutoSyncSettings, error) {
	stored, err := m.storage.GetSettings(configID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}

	settings := models.NewAutoSyncSettings(configID)
	if m.defaults.CheckInterval > 0 {
		settings.CheckInterval = m.defaults.CheckInterval
	}
	if m.defaults.DelayBeforeSync > 0 {
		settings.DelayBeforeSync = m.defaults.DelayBeforeSync
	}
	if m.defaults.MaxSyncsPerHour > 0 {
		settings.MaxSyncsPerHour = m.defaults.MaxSyncsPerHour
	}
	if m.defaults.CooldownAfterError > 0 {
		settings.CooldownAfterError = m.defaults.CooldownAfterError
	}
	return settings, nil
}

// Tick runs the decision procedure once for a configuration. Errors are
// carried in the decision; the monitor loop logs and keeps ticking.
func (m *Manager) Tick(ctx context.Context, config *models.SyncConfiguration) *Decision {
	settings, err := m.Settings(config.ID)
	if err != nil {
		return &Decision{Action: ActionError, Err: err}
	}
	if !settings.IsEnabled {
		return &Decision{Action: ActionSkipped, CannotSync: ReasonDisabled}
	}

	if live, err := m.storage.GetLiveJob(config.ID); err != nil {
		return &Decision{Action: ActionError, Err: err}
	} else if live != nil {
		return &Decision{Action: ActionSkipped, CannotSync: ReasonRunning}
	}

	if remaining := m.cache.CooldownRemaining(config.ID); remaining > 0 {
		return &Decision{Action: ActionSkipped, CannotSync: ReasonCooldown, RetryIn: remaining}
	}

	if m.cache.SyncsInLastHour(config.ID) >= settings.MaxSyncsPerHour {
		return &Decision{Action: ActionSkipped, CannotSync: ReasonThrottled, RetryIn: rateWindow}
	}

	sourceInst, err := m.storage.GetInstance(config.SourceID)
	if err != nil {
		return &Decision{Action: ActionError, Err: fmt.Errorf("source instance %s not found: %w", config.SourceID, err)}
	}
	source := dhis.NewClient(sourceInst, dhis.Options{Timeout: m.tuning.RequestTimeout, RateLimit: m.tuning.RateLimit}, m.logger)

	// Resources never reconciled are probed over the last full day
	fallback := time.Now().Add(-watermarkTTL)
	detectedAt := time.Now()

	detection, err := m.detector.Detect(ctx, source, config.SourceID, config, settings, fallback)
	if err != nil {
		m.cache.ArmCooldown(config.ID, settings.CooldownDuration())
		return &Decision{Action: ActionError, Err: fmt.Errorf("change detection failed: %w", err)}
	}
	if !detection.HasChanges {
		return &Decision{Action: ActionNoChanges, Detection: detection}
	}

	phases := m.choosePhases(config, detection)

	// Admission: the rate slot is consumed before the sync runs
	m.cache.RecordSync(config.ID)

	job, err := m.orchestrator.Execute(ctx, config, phases)
	if err != nil {
		m.cache.ArmCooldown(config.ID, settings.CooldownDuration())
		return &Decision{Action: ActionError, Detection: detection, Err: err}
	}

	if job.Status == models.JobStatusCompleted || job.Status == models.JobStatusCompletedWithWarnings {
		m.advanceWatermarks(config.SourceID, settings, detectedAt)
		m.cache.SetState(config.ID, StateMetadataDone)
		m.logger.Info().
			Str("config", config.Name).
			Str("job", job.ID).
			Str("status", string(job.Status)).
			Msg("Auto-sync completed")
		return &Decision{Action: ActionSynced, Detection: detection, Job: job}
	}

	m.cache.ArmCooldown(config.ID, settings.CooldownDuration())
	m.logger.Warn().
		Str("config", config.Name).
		Str("job", job.ID).
		Str("status", string(job.Status)).
		Dur("cooldown", settings.CooldownDuration()).
		Msg("Auto-sync failed, cooldown armed")
	return &Decision{Action: ActionError, Detection: detection, Job: job, Err: fmt.Errorf("job %s finished with status %s", job.ID, job.Status)}
}

// advanceWatermarks records the reconciliation instant for every
// resource a successful sync touched. Resources that reported no change
// advance too: nothing changed on them before detectedAt, so the next
// probe may safely start there.
func (m *Manager) advanceWatermarks(sourceID string, settings *models.AutoSyncSettings, detectedAt time.Time) {
	for _, resource := range monitoredResources(settings) {
		m.cache.AdvanceWatermark(WatermarkKey(sourceID, "metadata", resource), detectedAt)
	}
	for _, resource := range []string{"dataValues", "events", "trackedEntityInstances"} {
		m.cache.AdvanceWatermark(WatermarkKey(sourceID, "data", resource), detectedAt)
	}
}

// choosePhases maps a detection onto the phases to run. The first
// successful pass is always full; afterwards only the changed phases
// run, falling back to a full pass when the detection cannot say which
// phase changed.
func (m *Manager) choosePhases(config *models.SyncConfiguration, detection *Detection) []models.Phase {
	if m.cache.State(config.ID) == StateInitial {
		return config.Phases()
	}

	var phases []models.Phase
	if detection.MetadataChanges && config.HasPhase(models.PhaseMetadata) {
		phases = append(phases, models.PhaseMetadata)
	}
	if detection.Details.Tracker.HasChanges && config.HasPhase(models.PhaseTracker) {
		phases = append(phases, models.PhaseTracker)
	}
	if detection.Details.Events.HasChanges && config.HasPhase(models.PhaseEvents) {
		phases = append(phases, models.PhaseEvents)
	}
	if detection.Details.Aggregate.HasChanges && config.HasPhase(models.PhaseAggregate) {
		phases = append(phases, models.PhaseAggregate)
	}
	if len(phases) == 0 {
		return config.Phases()
	}
	return phases
}
