package data

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

// RunAggregate extracts the configuration's aggregate values from the
// source in one call and imports them to the destination in chunks.
// Per-chunk reports are consolidated into one phase report.
func (s *Service) RunAggregate(ctx context.Context, job *models.SyncJob) (dhis.ImportStats, error) {
	var total dhis.ImportStats

	job.AppendLog("=== SYNCHRONISATION DONNÉES AGRÉGÉES ===")
	s.persist(job)

	params, err := s.aggregateParams(ctx)
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return total, err
		}
		job.ErrorCount++
		total.Errors++
		job.AppendLog(fmt.Sprintf("✗ dataValueSets: résolution du périmètre échouée: %v", err))
		return total, nil
	}

	values, err := s.source.GetDataValueSets(ctx, params)
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return total, err
		}
		if dhis.IsNotFound(err) {
			job.AppendLog("✓ dataValueSets: Source=0 | Created=0, Updated=0 | Ignored=0 | Errors=0, Warnings=0")
			return total, nil
		}
		job.ErrorCount++
		total.Errors++
		job.AppendLog(fmt.Sprintf("✗ dataValueSets: extraction échouée: %v", err))
		return total, nil
	}

	if len(values) == 0 {
		job.AppendLog("✓ dataValueSets: Source=0 | Created=0, Updated=0 | Ignored=0 | Errors=0, Warnings=0")
		return total, nil
	}

	chunks := chunkObjects(values, s.tuning.AggregateChunk)
	job.TotalItems += len(values)
	s.persist(job)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		report, err := s.dest.PostDataValues(ctx, chunk, s.config.ImportStrategy, false)
		if err != nil {
			if dhis.IsAuthError(err) || ctx.Err() != nil {
				return total, err
			}
			job.ErrorCount++
			total.Errors++
			job.AppendLog(fmt.Sprintf("✗ dataValueSets lot %d/%d: %v", i+1, len(chunks), err))
			job.AddProcessed(len(chunk))
			s.persist(job)
			continue
		}

		stats := report.Stats()
		rollUp(job, stats)
		total.Add(stats)

		job.AddProcessed(len(chunk))
		s.persist(job)

		s.logger.Debug().
			Int("chunk", i+1).
			Int("chunks", len(chunks)).
			Int("values", len(chunk)).
			Int("imported", stats.Created).
			Int("updated", stats.Updated).
			Msg("Aggregate chunk imported")
	}

	job.AppendLog(fmt.Sprintf("✓ dataValueSets: Source=%d | Created=%d, Updated=%d | Ignored=%d | Errors=%d, Warnings=%d",
		len(values), total.Created, total.Updated, total.Ignored, total.Errors, total.Warnings))
	for _, conflict := range total.Conflicts {
		job.AppendLog("  conflit dataValueSets: " + conflict)
	}
	s.persist(job)

	return total, nil
}

// aggregateParams builds the extraction query: explicit org units and
// periods when the configuration names them, otherwise every data set
// on the source, falling back to the universe of data elements when no
// data set exists.
func (s *Service) aggregateParams(ctx context.Context) (url.Values, error) {
	params := url.Values{}

	for _, ou := range s.config.OrgUnits {
		params.Add("orgUnit", ou)
	}
	for _, period := range s.config.Periods {
		params.Add("period", period)
	}
	if len(s.config.Periods) == 0 {
		start, end := s.dateWindow()
		params.Set("startDate", start)
		params.Set("endDate", end)
	}

	dataSets, err := s.source.GetMetadata(ctx, "dataSets", "id", 1000)
	if err != nil && !dhis.IsNotFound(err) {
		return nil, err
	}
	if len(dataSets) > 0 {
		for _, ds := range dataSets {
			if id, ok := ds["id"].(string); ok {
				params.Add("dataSet", id)
			}
		}
		return params, nil
	}

	elements, err := s.source.GetMetadata(ctx, "dataElements", "id", 1000)
	if err != nil && !dhis.IsNotFound(err) {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("source %s exposes neither data sets nor data elements", s.source.InstanceName())
	}
	for _, de := range elements {
		if id, ok := de["id"].(string); ok {
			params.Add("dataElement", id)
		}
	}
	return params, nil
}

// dateWindow returns the configured extraction window as date strings,
// defaulting the start and ending today.
func (s *Service) dateWindow() (string, string) {
	start := s.tuning.DefaultEventStart
	if s.config.DateStart != nil {
		start = s.config.DateStart.Format("2006-01-02")
	}
	end := time.Now().Format("2006-01-02")
	if s.config.DateEnd != nil {
		end = s.config.DateEnd.Format("2006-01-02")
	}
	// Windows are inclusive on both ends; trim any stray whitespace from
	// operator-provided dates
	return strings.TrimSpace(start), strings.TrimSpace(end)
}
