package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/models"
	"github.com/ternarybob/replico/internal/sync/data"
	"github.com/ternarybob/replico/internal/sync/metadata"
)

// Orchestrator executes one job for a configuration: probe both
// instances, drive the requested phases in fixed order, and finalize
// the job record. All outcomes land on the job; the returned error is
// reserved for storage failures.
type Orchestrator struct {
	storage interfaces.Storage
	tuning  common.SyncConfig
	logger  arbor.ILogger
}

// NewOrchestrator wires the orchestrator to its store and tuning
func NewOrchestrator(storage interfaces.Storage, tuning common.SyncConfig, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		storage: storage,
		tuning:  tuning,
		logger:  logger,
	}
}

// phaseResult records one phase outcome for the summary block
type phaseResult struct {
	Phase models.Phase
	Stats dhis.ImportStats
	Err   error
}

// Execute runs the configuration's phases under a fresh job and returns
// it finalized. A nil phase list means every phase implied by the sync
// type.
func (o *Orchestrator) Execute(ctx context.Context, config *models.SyncConfiguration, phases []models.Phase) (*models.SyncJob, error) {
	return o.ExecuteJob(ctx, config, models.NewSyncJob(config.ID, config.SyncType), phases)
}

// ExecuteJob runs the configuration's phases under a caller-provided
// job record, used by the retry machinery to execute retry children.
func (o *Orchestrator) ExecuteJob(ctx context.Context, config *models.SyncConfiguration, job *models.SyncJob, phases []models.Phase) (*models.SyncJob, error) {
	job.MarkStarted()
	if err := o.storage.SaveJob(job); err != nil {
		return nil, fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}

	o.logger.Info().
		Str("job", job.ID).
		Str("config", config.Name).
		Str("type", string(config.SyncType)).
		Msg("Sync job started")

	source, dest, err := o.resolveClients(ctx, config, job)
	if err != nil {
		return o.fail(job, err)
	}

	if len(phases) == 0 {
		phases = config.Phases()
	}

	persist := func(j *models.SyncJob) {
		if saveErr := o.storage.SaveJob(j); saveErr != nil {
			o.logger.Warn().Err(saveErr).Str("job", j.ID).Msg("Failed to flush job progress")
		}
	}

	metadataSvc := metadata.NewService(source, dest, config, persist, o.logger)
	metadataSvc.UseEntitySelection(func(resource string) map[string]bool {
		entities, err := o.storage.GetEntitiesByType(config.ID, resource)
		if err != nil || len(entities) == 0 {
			return nil
		}
		ids := make(map[string]bool, len(entities))
		for _, entity := range entities {
			ids[entity.ExternalID] = true
		}
		return ids
	})
	metadataSvc.UseVersionFields(func(resource string) string {
		version := source.InstanceVersion()
		if version == "" {
			return ""
		}
		stored, err := o.storage.GetEntityVersion(version, resource)
		if err != nil || stored == nil {
			return ""
		}
		return stored.Fields
	})

	dataSvc := data.NewService(source, dest, config, o.tuning, persist, o.logger)
	dataSvc.UseDateFilters(func(programID string) *models.DateFilterAttribute {
		attr, err := o.storage.GetDateFilterAttribute(programID)
		if err != nil {
			o.logger.Warn().Err(err).Str("program", programID).Msg("Date filter lookup failed")
			return nil
		}
		return attr
	})

	results := make([]phaseResult, 0, len(phases))
	for _, phase := range orderPhases(phases) {
		if ctx.Err() != nil {
			job.MarkCancelled()
			job.AppendLog("Job annulé")
			return job, o.storage.SaveJob(job)
		}

		var stats dhis.ImportStats
		var phaseErr error
		switch phase {
		case models.PhaseMetadata:
			stats, phaseErr = metadataSvc.Run(ctx, job)
		case models.PhaseTracker:
			stats, phaseErr = dataSvc.RunTracker(ctx, job)
		case models.PhaseEvents:
			stats, phaseErr = dataSvc.RunEvents(ctx, job)
		case models.PhaseAggregate:
			stats, phaseErr = dataSvc.RunAggregate(ctx, job)
		default:
			phaseErr = fmt.Errorf("unknown phase %q", phase)
		}

		results = append(results, phaseResult{Phase: phase, Stats: stats, Err: phaseErr})

		if phaseErr != nil {
			if ctx.Err() != nil {
				job.MarkCancelled()
				job.AppendLog("Job annulé")
				return job, o.storage.SaveJob(job)
			}
			if dhis.IsAuthError(phaseErr) {
				// Credentials are wrong for every remaining phase too
				return o.fail(job, phaseErr)
			}
			job.AppendLog(fmt.Sprintf("✗ phase %s: %v", phase, phaseErr))
			o.logger.Error().Err(phaseErr).Str("job", job.ID).Str("phase", string(phase)).Msg("Phase failed")
		}

		persist(job)
	}

	o.finalize(job, results)
	return job, o.storage.SaveJob(job)
}

// resolveClients loads both instances, validates the pairing and
// confirms reachability with a one-shot probe each.
func (o *Orchestrator) resolveClients(ctx context.Context, config *models.SyncConfiguration, job *models.SyncJob) (*dhis.Client, *dhis.Client, error) {
	sourceInst, err := o.storage.GetInstance(config.SourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("source instance %s not found: %w", config.SourceID, err)
	}
	destInst, err := o.storage.GetInstance(config.DestinationID)
	if err != nil {
		return nil, nil, fmt.Errorf("destination instance %s not found: %w", config.DestinationID, err)
	}
	if err := config.ValidateWith(sourceInst, destInst); err != nil {
		return nil, nil, err
	}

	opts := dhis.Options{Timeout: o.tuning.RequestTimeout, RateLimit: o.tuning.RateLimit}
	source := dhis.NewClient(sourceInst, opts, o.logger)
	dest := dhis.NewClient(destInst, opts, o.logger)

	for _, probe := range []struct {
		client   *dhis.Client
		instance *models.Instance
		role     string
	}{
		{source, sourceInst, "source"},
		{dest, destInst, "destination"},
	} {
		info, err := probe.client.SystemInfo(ctx)
		if err != nil {
			probe.instance.MarkProbed(false, "")
			if saveErr := o.storage.SaveInstance(probe.instance); saveErr != nil {
				o.logger.Warn().Err(saveErr).Str("instance", probe.instance.Name).Msg("Failed to record probe result")
			}
			return nil, nil, fmt.Errorf("%s %s unreachable: %w", probe.role, probe.instance.Name, err)
		}
		probe.instance.MarkProbed(true, info.Version)
		if saveErr := o.storage.SaveInstance(probe.instance); saveErr != nil {
			o.logger.Warn().Err(saveErr).Str("instance", probe.instance.Name).Msg("Failed to record probe result")
		}
		job.AppendLog(fmt.Sprintf("Instance %s: %s (version %s)", probe.role, probe.instance.Name, info.Version))
	}

	return source, dest, nil
}

// orderPhases filters and sorts the requested phases into the fixed
// execution order.
func orderPhases(phases []models.Phase) []models.Phase {
	requested := make(map[models.Phase]bool, len(phases))
	for _, p := range phases {
		requested[p] = true
	}
	ordered := make([]models.Phase, 0, len(requested))
	for _, p := range []models.Phase{models.PhaseMetadata, models.PhaseTracker, models.PhaseEvents, models.PhaseAggregate} {
		if requested[p] {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// finalize appends the summary block and settles the terminal status:
// COMPLETED on a clean run, COMPLETED_WITH_WARNINGS when errors were
// counted but something was imported, FAILED when every phase failed.
func (o *Orchestrator) finalize(job *models.SyncJob, results []phaseResult) {
	var totals dhis.ImportStats
	failed := 0
	var lastErr error

	job.AppendLog("=== RÉSUMÉ ===")
	for _, r := range results {
		totals.Add(r.Stats)
		if r.Err != nil {
			failed++
			lastErr = r.Err
			job.AppendLog(fmt.Sprintf("%s: échec (%v)", r.Phase, r.Err))
			continue
		}
		job.AppendLog(fmt.Sprintf("%s: Created=%d, Updated=%d, Ignored=%d, Errors=%d",
			r.Phase, r.Stats.Created, r.Stats.Updated, r.Stats.Ignored, r.Stats.Errors))
	}
	var elapsed time.Duration
	if job.StartedAt != nil {
		elapsed = time.Since(*job.StartedAt).Round(time.Second)
	}
	job.AppendLog(fmt.Sprintf("Total: Created=%d, Updated=%d, Ignored=%d, Errors=%d, Warnings=%d, Durée=%s",
		totals.Created, totals.Updated, totals.Ignored, totals.Errors, totals.Warnings, elapsed))

	if len(results) > 0 && failed == len(results) {
		job.MarkFailed(fmt.Sprintf("every phase failed, last error: %v", lastErr))
		o.logger.Error().Str("job", job.ID).Msg("Sync job failed")
		return
	}

	job.MarkCompleted()
	o.logger.Info().
		Str("job", job.ID).
		Str("status", string(job.Status)).
		Int("created", totals.Created).
		Int("updated", totals.Updated).
		Int("errors", totals.Errors).
		Msg("Sync job finished")
}

// fail finalizes the job as FAILED and persists it
func (o *Orchestrator) fail(job *models.SyncJob, cause error) (*models.SyncJob, error) {
	job.AppendLog(fmt.Sprintf("✗ %v", cause))
	job.MarkFailed(cause.Error())
	o.logger.Error().Err(cause).Str("job", job.ID).Msg("Sync job failed")
	return job, o.storage.SaveJob(job)
}
