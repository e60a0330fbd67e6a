package data

import (
	"context"
	"fmt"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

// RunTracker replicates tracked entities program by program. Each
// program's org units are resolved from the source metadata, capped,
// and each org unit's TEIs are flattened into one bundle import.
func (s *Service) RunTracker(ctx context.Context, job *models.SyncJob) (dhis.ImportStats, error) {
	var total dhis.ImportStats

	job.AppendLog("=== SYNCHRONISATION TRACKER ===")
	s.persist(job)

	programs, err := s.resolveTrackerPrograms(ctx)
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return total, err
		}
		job.ErrorCount++
		total.Errors++
		job.AppendLog(fmt.Sprintf("✗ tracker: résolution des programmes échouée: %v", err))
		return total, nil
	}
	if len(programs) == 0 {
		job.AppendLog("✓ tracker: aucun programme tracker sur la source")
		return total, nil
	}

	startDate, endDate := s.dateWindow()

	for _, p := range programs {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		orgUnits := p.OrgUnits
		if len(s.config.OrgUnits) > 0 {
			orgUnits = s.config.OrgUnits
		}
		if len(orgUnits) > s.tuning.TrackerOrgUnitCap {
			job.AppendLog(fmt.Sprintf("tracker[%s]: %d unités d'organisation, limitées à %d",
				p.Name, len(orgUnits), s.tuning.TrackerOrgUnitCap))
			orgUnits = orgUnits[:s.tuning.TrackerOrgUnitCap]
		}

		dateAttribute := ""
		if attr := s.dateFilter(p.ID); attr != nil {
			dateAttribute = attr.Attribute
		}

		bundle := &dhis.TrackerBundle{}
		for _, ou := range orgUnits {
			if err := ctx.Err(); err != nil {
				return total, err
			}

			instances, err := s.source.GetTrackedEntityInstances(ctx, p.ID, ou, dateAttribute, startDate, endDate)
			if err != nil {
				if dhis.IsAuthError(err) || ctx.Err() != nil {
					return total, err
				}
				if dhis.IsNotFound(err) {
					continue
				}
				job.ErrorCount++
				total.Errors++
				job.AppendLog(fmt.Sprintf("✗ tracker[%s] %s: extraction échouée: %v", p.Name, ou, err))
				s.logger.Warn().Err(err).Str("program", p.ID).Str("orgUnit", ou).Msg("Tracked entity extraction failed")
				continue
			}
			flattenInstances(bundle, instances)
		}

		if bundle.Size() == 0 {
			job.AppendLog(fmt.Sprintf("✓ tracker[%s]: Source=0 | Created=0, Updated=0 | Ignored=0 | Errors=0, Warnings=0", p.Name))
			continue
		}

		stats, err := s.importBundle(ctx, job, p, bundle)
		if err != nil {
			return total, err
		}
		total.Add(stats)
	}

	return total, nil
}

// trackerProgram couples a registration program with its org units
type trackerProgram struct {
	ID       string
	Name     string
	OrgUnits []string
}

// resolveTrackerPrograms lists the source programs of type
// WITH_REGISTRATION together with their associated org units.
func (s *Service) resolveTrackerPrograms(ctx context.Context) ([]trackerProgram, error) {
	objects, err := s.source.GetMetadata(ctx, "programs", "id,name,programType,organisationUnits[id]", 1000)
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

	var programs []trackerProgram
	for _, obj := range objects {
		id, _ := obj["id"].(string)
		name, _ := obj["name"].(string)
		ptype, _ := obj["programType"].(string)
		if id == "" || ptype != "WITH_REGISTRATION" {
			continue
		}
		if len(selected) > 0 && !selected[id] {
			continue
		}

		p := trackerProgram{ID: id, Name: name}
		if refs, ok := obj["organisationUnits"].([]any); ok {
			for _, entry := range refs {
				if ref, ok := entry.(map[string]any); ok {
					if ouID, ok := ref["id"].(string); ok {
						p.OrgUnits = append(p.OrgUnits, ouID)
					}
				}
			}
		}
		programs = append(programs, p)
	}
	return programs, nil
}

// flattenInstances unpacks TEIs into the three parallel bundle lists:
// the instances themselves, their enrollments, and the events nested in
// each enrollment.
func flattenInstances(bundle *dhis.TrackerBundle, instances []dhis.Object) {
	for _, tei := range instances {
		enrollments, _ := tei["enrollments"].([]any)
		// The bundle carries enrollments and events at top level
		delete(tei, "enrollments")
		bundle.TrackedEntities = append(bundle.TrackedEntities, tei)

		for _, entry := range enrollments {
			enrollment, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			events, _ := enrollment["events"].([]any)
			delete(enrollment, "events")
			bundle.Enrollments = append(bundle.Enrollments, enrollment)

			for _, ev := range events {
				if event, ok := ev.(map[string]any); ok {
					bundle.Events = append(bundle.Events, event)
				}
			}
		}
	}
}

// importBundle posts one program bundle and rolls the three bundle-type
// reports up onto the job.
func (s *Service) importBundle(ctx context.Context, job *models.SyncJob, p trackerProgram, bundle *dhis.TrackerBundle) (dhis.ImportStats, error) {
	var total dhis.ImportStats

	job.TotalItems += bundle.Size()
	s.persist(job)

	report, err := s.dest.ImportTrackerBundle(ctx, bundle, s.config.ImportStrategy)
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return total, err
		}
		job.ErrorCount++
		total.Errors++
		job.AppendLog(fmt.Sprintf("✗ tracker[%s]: import échoué: %v", p.Name, err))
		job.AddProcessed(bundle.Size())
		s.persist(job)
		return total, nil
	}

	for _, bundleType := range []string{"TRACKED_ENTITY", "ENROLLMENT", "EVENT"} {
		total.Add(report.TypeStats(bundleType))
	}
	if report.Status == "ERROR" && total.Errors == 0 {
		total.Errors = 1
	}
	rollUp(job, total)
	job.AddProcessed(bundle.Size())

	job.AppendLog(fmt.Sprintf("✓ tracker[%s]: Source=%d | Created=%d, Updated=%d | Ignored=%d | Errors=%d, Warnings=%d",
		p.Name, bundle.Size(), total.Created, total.Updated, total.Ignored, total.Errors, total.Warnings))
	s.persist(job)

	s.logger.Info().
		Str("program", p.ID).
		Int("trackedEntities", len(bundle.TrackedEntities)).
		Int("enrollments", len(bundle.Enrollments)).
		Int("events", len(bundle.Events)).
		Msg("Tracker bundle imported")

	return total, nil
}
