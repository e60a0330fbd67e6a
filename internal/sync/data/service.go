package data

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

// Service drives the three data sub-pipelines of one job: aggregate
// values, events and tracker bundles. Extraction is paged off, import
// is chunked, and destination reports are rolled up per phase.
type Service struct {
	source     *dhis.Client
	dest       *dhis.Client
	config     *models.SyncConfiguration
	tuning     common.SyncConfig
	persist    func(*models.SyncJob)
	dateFilter func(programID string) *models.DateFilterAttribute
	logger     arbor.ILogger
}

// NewService creates the data pipeline for one configuration. Chunk
// sizes and the tracker org-unit cap come from the process tuning
// section so operators can override the defaults.
func NewService(source, dest *dhis.Client, config *models.SyncConfiguration, tuning common.SyncConfig, persist func(*models.SyncJob), logger arbor.ILogger) *Service {
	if persist == nil {
		persist = func(*models.SyncJob) {}
	}
	if tuning.AggregateChunk < 1 {
		tuning.AggregateChunk = 1000
	}
	if tuning.EventChunk < 1 {
		tuning.EventChunk = 500
	}
	if tuning.TrackerOrgUnitCap < 1 {
		tuning.TrackerOrgUnitCap = 10
	}
	if tuning.DefaultEventStart == "" {
		tuning.DefaultEventStart = "2020-01-01"
	}
	return &Service{
		source:     source,
		dest:       dest,
		config:     config,
		tuning:     tuning,
		persist:    persist,
		dateFilter: func(string) *models.DateFilterAttribute { return nil },
		logger:     logger,
	}
}

// UseDateFilters installs the per-program date attribute lookup the
// tracker extraction consults; a nil result means the lastUpdated
// window applies.
func (s *Service) UseDateFilters(lookup func(programID string) *models.DateFilterAttribute) {
	if lookup != nil {
		s.dateFilter = lookup
	}
}

// chunkObjects splits a slice into chunks of at most size elements
func chunkObjects(objects []dhis.Object, size int) [][]dhis.Object {
	if size < 1 || len(objects) == 0 {
		return nil
	}
	chunks := make([][]dhis.Object, 0, (len(objects)+size-1)/size)
	for start := 0; start < len(objects); start += size {
		end := start + size
		if end > len(objects) {
			end = len(objects)
		}
		chunks = append(chunks, objects[start:end])
	}
	return chunks
}

// rollUp accumulates one chunk report onto the job counters
func rollUp(job *models.SyncJob, stats dhis.ImportStats) {
	job.SuccessCount += stats.Created + stats.Updated
	job.ErrorCount += stats.Errors
	job.WarningCount += stats.Warnings
}
