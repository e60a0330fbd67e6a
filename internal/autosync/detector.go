package autosync

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

// defaultMonitoredResources are the metadata resources polled for
// change detection when the settings name none explicitly.
var defaultMonitoredResources = []string{
	"dataElements",
	"indicators",
	"organisationUnits",
	"dataSets",
	"categoryCombos",
	"optionSets",
	"programs",
	"trackedEntityAttributes",
	"users",
}

// DataDetection is the per-data-type change verdict
type DataDetection struct {
	HasChanges bool `json:"has_changes"`
	Count      int  `json:"count"`
}

// Detection is the detector's output for one tick
type Detection struct {
	HasChanges      bool `json:"has_changes"`
	MetadataChanges bool `json:"metadata_changes"`
	DataChanges     bool `json:"data_changes"`
	Details         struct {
		Metadata  []string      `json:"metadata"`
		Aggregate DataDetection `json:"aggregate"`
		Events    DataDetection `json:"events"`
		Tracker   DataDetection `json:"tracker"`
	} `json:"details"`
}

// Detector asks the source what changed since a watermark. It issues
// single-record pager queries per monitored resource and reads totals,
// preferring the audit endpoint for aggregate data when the instance
// has one.
type Detector struct {
	cache  *ReplicationCache
	logger arbor.ILogger
}

// NewDetector creates a detector sharing the scheduler's cache
func NewDetector(cache *ReplicationCache, logger arbor.ILogger) *Detector {
	return &Detector{cache: cache, logger: logger}
}

// Detect probes the source for changes since the per-resource
// watermarks, falling back to the given instant for resources never
// reconciled. Per-probe transport failures are logged and read as
// "unchanged"; authentication failures abort the detection.
func (d *Detector) Detect(ctx context.Context, source *dhis.Client, sourceID string, config *models.SyncConfiguration, settings *models.AutoSyncSettings, fallback time.Time) (*Detection, error) {
	detection := &Detection{}

	if settings.MonitorMetadata && config.HasPhase(models.PhaseMetadata) {
		changed, err := d.detectMetadata(ctx, source, sourceID, settings, fallback)
		if err != nil {
			return nil, err
		}
		detection.Details.Metadata = changed
		detection.MetadataChanges = len(changed) > 0
	}

	if settings.MonitorData {
		if config.HasPhase(models.PhaseAggregate) {
			verdict, err := d.detectAggregate(ctx, source, sourceID, d.sinceFor(sourceID, "data", "dataValues", fallback))
			if err != nil {
				return nil, err
			}
			detection.Details.Aggregate = verdict
		}
		if config.HasPhase(models.PhaseEvents) {
			since := d.sinceFor(sourceID, "data", "events", fallback)
			verdict, err := d.countProbe(ctx, "events", func() (int, error) {
				return source.CountEventsSince(ctx, since)
			})
			if err != nil {
				return nil, err
			}
			detection.Details.Events = verdict
		}
		if config.HasPhase(models.PhaseTracker) {
			since := d.sinceFor(sourceID, "data", "trackedEntityInstances", fallback)
			verdict, err := d.countProbe(ctx, "tracker", func() (int, error) {
				return source.CountTrackedEntitiesSince(ctx, since)
			})
			if err != nil {
				return nil, err
			}
			detection.Details.Tracker = verdict
		}
	}

	detection.DataChanges = detection.Details.Aggregate.HasChanges ||
		detection.Details.Events.HasChanges ||
		detection.Details.Tracker.HasChanges
	detection.HasChanges = detection.MetadataChanges || detection.DataChanges

	return detection, nil
}

// monitoredResources applies the include/exclude settings to the
// default monitor list.
func monitoredResources(settings *models.AutoSyncSettings) []string {
	if len(settings.IncludeResources) > 0 {
		return settings.IncludeResources
	}
	excluded := make(map[string]bool, len(settings.ExcludeResources))
	for _, r := range settings.ExcludeResources {
		excluded[r] = true
	}
	var resources []string
	for _, r := range defaultMonitoredResources {
		if !excluded[r] {
			resources = append(resources, r)
		}
	}
	return resources
}

// sinceFor resolves the detection window start for one resource: its
// watermark when one is alive, the caller's fallback otherwise.
func (d *Detector) sinceFor(instanceID, category, resource string, fallback time.Time) time.Time {
	if mark, ok := d.cache.Watermark(WatermarkKey(instanceID, category, resource)); ok {
		return mark
	}
	return fallback
}

// detectMetadata returns the monitored resources with a positive
// changed-since total, each probed from its own watermark.
func (d *Detector) detectMetadata(ctx context.Context, source *dhis.Client, sourceID string, settings *models.AutoSyncSettings, fallback time.Time) ([]string, error) {
	var changed []string
	for _, resource := range monitoredResources(settings) {
		since := d.sinceFor(sourceID, "metadata", resource, fallback)
		total, err := source.CountSince(ctx, resource, since)
		if err != nil {
			if dhis.IsAuthError(err) || ctx.Err() != nil {
				return nil, err
			}
			if dhis.IsNotFound(err) {
				continue
			}
			d.logger.Warn().Err(err).Str("resource", resource).Msg("Change probe failed, assuming unchanged")
			continue
		}
		if total > 0 {
			changed = append(changed, resource)
		}
	}
	return changed, nil
}

// detectAggregate prefers the audit endpoint; an instance without one
// conservatively reports "changed" since aggregate updates leave no
// lastUpdated trace the pager can see.
func (d *Detector) detectAggregate(ctx context.Context, source *dhis.Client, sourceID string, since time.Time) (DataDetection, error) {
	supported, known := d.cache.AuditSupport(sourceID)
	if !known {
		probed, err := source.HasDataValueAudits(ctx)
		if err != nil {
			if dhis.IsAuthError(err) || ctx.Err() != nil {
				return DataDetection{}, err
			}
			d.logger.Warn().Err(err).Str("instance", sourceID).Msg("Audit endpoint probe failed, assuming changed")
			return DataDetection{HasChanges: true}, nil
		}
		supported = probed
		d.cache.SetAuditSupport(sourceID, probed)
	}

	if !supported {
		// Documented false-positive policy
		return DataDetection{HasChanges: true}, nil
	}

	return d.countProbe(ctx, "dataValueAudits", func() (int, error) {
		return source.CountDataValueAuditsSince(ctx, since)
	})
}

// countProbe wraps one count query with the shared failure policy
func (d *Detector) countProbe(ctx context.Context, what string, count func() (int, error)) (DataDetection, error) {
	total, err := count()
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return DataDetection{}, err
		}
		if dhis.IsNotFound(err) {
			return DataDetection{}, nil
		}
		d.logger.Warn().Err(err).Str("probe", what).Msg("Change probe failed, assuming unchanged")
		return DataDetection{}, nil
	}
	return DataDetection{HasChanges: total > 0, Count: total}, nil
}
