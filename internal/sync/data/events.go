package data

import (
	"context"
	"fmt"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

// RunEvents extracts events program by program and imports them to the
// destination in chunks, rolling every chunk report up under the single
// EVENT type.
func (s *Service) RunEvents(ctx context.Context, job *models.SyncJob) (dhis.ImportStats, error) {
	var total dhis.ImportStats

	job.AppendLog("=== SYNCHRONISATION ÉVÉNEMENTS ===")
	s.persist(job)

	programs, err := s.resolvePrograms(ctx, "WITHOUT_REGISTRATION")
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return total, err
		}
		job.ErrorCount++
		total.Errors++
		job.AppendLog(fmt.Sprintf("✗ events: résolution des programmes échouée: %v", err))
		return total, nil
	}
	if len(programs) == 0 {
		job.AppendLog("✓ events: aucun programme événement sur la source")
		return total, nil
	}

	startDate, endDate := s.dateWindow()
	orgUnits := s.config.OrgUnits

	rootOrgUnit := ""
	if len(orgUnits) == 0 {
		root, err := s.resolveRootOrgUnit(ctx)
		if err != nil {
			if dhis.IsAuthError(err) || ctx.Err() != nil {
				return total, err
			}
			s.logger.Warn().Err(err).Msg("Root organisation unit resolution failed, falling back to accessible scope")
		}
		rootOrgUnit = root
	}

	for _, program := range programs {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var events []dhis.Object
		if len(orgUnits) == 0 {
			// The whole hierarchy hangs off the level-1 unit; servers that
			// do not expose one get the credential's accessible scope.
			mode, ou := "DESCENDANTS", rootOrgUnit
			if rootOrgUnit == "" {
				mode = "ACCESSIBLE"
			}
			batch, err := s.fetchProgramEvents(ctx, job, program, ou, mode, startDate, endDate)
			if err != nil {
				return total, err
			}
			events = batch
		} else {
			for _, ou := range orgUnits {
				batch, err := s.fetchProgramEvents(ctx, job, program, ou, "SELECTED", startDate, endDate)
				if err != nil {
					return total, err
				}
				events = append(events, batch...)
			}
		}

		if len(events) == 0 {
			job.AppendLog(fmt.Sprintf("✓ events[%s]: Source=0 | Created=0, Updated=0 | Ignored=0 | Errors=0, Warnings=0", program.Name))
			continue
		}

		stats, err := s.importEvents(ctx, job, program, events)
		if err != nil {
			return total, err
		}
		total.Add(stats)
	}

	return total, nil
}

// resolveRootOrgUnit finds the source's level-1 organisation unit,
// empty when the hierarchy exposes none.
func (s *Service) resolveRootOrgUnit(ctx context.Context) (string, error) {
	units, err := s.source.GetMetadata(ctx, "organisationUnits", "id,level", 1000)
	if err != nil {
		if dhis.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	for _, unit := range units {
		if level, ok := unit["level"].(float64); ok && level == 1 {
			if id, ok := unit["id"].(string); ok {
				return id, nil
			}
		}
	}
	return "", nil
}

// program is the id/name/type triple the data phases iterate over
type program struct {
	ID   string
	Name string
}

// resolvePrograms lists the source programs of one registration type,
// restricted to the configuration's program list when present.
func (s *Service) resolvePrograms(ctx context.Context, programType string) ([]program, error) {
	objects, err := s.source.GetMetadata(ctx, "programs", "id,name,programType", 1000)
	if err != nil {
		if dhis.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	selected := make(map[string]bool, len(s.config.Programs))
	for _, id := range s.config.Programs {
		selected[id] = true
	}

	var programs []program
	for _, obj := range objects {
		id, _ := obj["id"].(string)
		name, _ := obj["name"].(string)
		ptype, _ := obj["programType"].(string)
		if id == "" || ptype != programType {
			continue
		}
		if len(selected) > 0 && !selected[id] {
			continue
		}
		programs = append(programs, program{ID: id, Name: name})
	}
	return programs, nil
}

// fetchProgramEvents extracts one program/org-unit slice; non-fatal
// failures are logged on the job and yield an empty slice.
func (s *Service) fetchProgramEvents(ctx context.Context, job *models.SyncJob, p program, orgUnit, ouMode, startDate, endDate string) ([]dhis.Object, error) {
	events, err := s.source.GetEvents(ctx, p.ID, orgUnit, ouMode, startDate, endDate)
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return nil, err
		}
		if dhis.IsNotFound(err) {
			return nil, nil
		}
		job.ErrorCount++
		job.AppendLog(fmt.Sprintf("✗ events[%s]: extraction échouée: %v", p.Name, err))
		s.logger.Warn().Err(err).Str("program", p.ID).Msg("Event extraction failed")
		return nil, nil
	}
	return events, nil
}

// importEvents posts one program's events in chunks with the fixed
// CREATE_AND_UPDATE strategy and consolidates the reports.
func (s *Service) importEvents(ctx context.Context, job *models.SyncJob, p program, events []dhis.Object) (dhis.ImportStats, error) {
	var total dhis.ImportStats

	chunks := chunkObjects(events, s.tuning.EventChunk)
	job.TotalItems += len(events)
	s.persist(job)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		report, err := s.dest.PostEvents(ctx, chunk, models.ImportStrategyCreateAndUpdate)
		if err != nil {
			if dhis.IsAuthError(err) || ctx.Err() != nil {
				return total, err
			}
			job.ErrorCount++
			total.Errors++
			job.AppendLog(fmt.Sprintf("✗ events[%s] lot %d/%d: %v", p.Name, i+1, len(chunks), err))
			job.AddProcessed(len(chunk))
			s.persist(job)
			continue
		}

		stats := report.Stats()
		rollUp(job, stats)
		total.Add(stats)
		job.AddProcessed(len(chunk))
		s.persist(job)
	}

	job.AppendLog(fmt.Sprintf("✓ events[%s]: Source=%d | Created=%d, Updated=%d | Ignored=%d | Errors=%d, Warnings=%d",
		p.Name, len(events), total.Created, total.Updated, total.Ignored, total.Errors, total.Warnings))
	s.persist(job)

	s.logger.Info().
		Str("program", p.ID).
		Int("events", len(events)).
		Int("created", total.Created).
		Int("updated", total.Updated).
		Int("errors", total.Errors).
		Msg("Program events synchronized")

	return total, nil
}
