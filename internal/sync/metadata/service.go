package metadata

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

// Service drives the metadata phase of one job: family resolution,
// dependency-ordered per-resource fetch, sanitize and post, and the
// roll-up of import reports onto the job record.
type Service struct {
	source    *dhis.Client
	dest      *dhis.Client
	config    *models.SyncConfiguration
	persist   func(*models.SyncJob)
	selection func(resource string) map[string]bool
	fieldsFor func(resource string) string
	logger    arbor.ILogger
}

// NewService creates the metadata pipeline for one configuration. The
// persist callback flushes job progress after every resource; nil is
// accepted for callers that only want the final state.
func NewService(source, dest *dhis.Client, config *models.SyncConfiguration, persist func(*models.SyncJob), logger arbor.ILogger) *Service {
	if persist == nil {
		persist = func(*models.SyncJob) {}
	}
	return &Service{
		source:    source,
		dest:      dest,
		config:    config,
		persist:   persist,
		selection: func(string) map[string]bool { return nil },
		fieldsFor: func(string) string { return "" },
		logger:    logger,
	}
}

// UseEntitySelection installs the per-resource selection lookup. A nil
// result means every source object of that resource replicates; a
// non-nil set restricts the import to the listed identifiers.
func (s *Service) UseEntitySelection(lookup func(resource string) map[string]bool) {
	if lookup != nil {
		s.selection = lookup
	}
}

// UseVersionFields installs the per-resource field override lookup,
// consulted so extraction requests only the fields the source server
// version accepts. An empty result keeps the descriptor's selection.
func (s *Service) UseVersionFields(lookup func(resource string) string) {
	if lookup != nil {
		s.fieldsFor = lookup
	}
}

// Run replicates the configuration's metadata families in priority
// order. Per-resource failures are recorded on the job and do not stop
// the phase; authentication failures and cancellation do.
func (s *Service) Run(ctx context.Context, job *models.SyncJob) (dhis.ImportStats, error) {
	var total dhis.ImportStats

	families, err := ResolveFamilies(s.config.Families)
	if err != nil {
		return total, err
	}

	resourceCount := 0
	for _, name := range families {
		family, _ := FamilyByName(name)
		resourceCount += len(family.Resources)
	}
	job.TotalItems += resourceCount

	job.AppendLog("=== SYNCHRONISATION MÉTADONNÉES ===")
	job.AppendLog(fmt.Sprintf("Familles: %d, ressources: %d", len(families), resourceCount))
	s.persist(job)

	directory, err := LoadDirectory(ctx, s.dest)
	if err != nil {
		if dhis.IsAuthError(err) {
			return total, err
		}
		// Post uncleaned rather than fail the phase
		s.logger.Warn().Err(err).
			Str("destination", s.dest.InstanceName()).
			Msg("Destination directory unavailable, sharing cleanup disabled")
		job.AppendLog("Annuaire destination indisponible, nettoyage du sharing désactivé")
		directory = nil
	}

	for _, name := range families {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		family, _ := FamilyByName(name)
		job.AppendLog(fmt.Sprintf("--- Famille %s (priorité %d) ---", family.Name, family.Priority))

		for _, resource := range family.Resources {
			if err := ctx.Err(); err != nil {
				return total, err
			}

			stats, err := s.syncResource(ctx, job, resource, directory)
			if err != nil {
				return total, err
			}
			total.Add(stats)

			// Importing the user directory itself invalidates the snapshot:
			// roles posted here must count as present when the users that
			// reference them are cleaned moments later.
			if directory != nil && directoryResource(resource) && stats.Created+stats.Updated > 0 {
				refreshed, dirErr := LoadDirectory(ctx, s.dest)
				switch {
				case dirErr == nil:
					directory = refreshed
				case dhis.IsAuthError(dirErr) || ctx.Err() != nil:
					return total, dirErr
				default:
					s.logger.Warn().Err(dirErr).
						Str("resource", resource).
						Msg("Destination directory refresh failed, keeping previous snapshot")
				}
			}

			job.AddProcessed(1)
			s.persist(job)
		}
	}

	return total, nil
}

// directoryResource reports whether importing this resource changes the
// destination identifier sets the sanitizers filter against.
func directoryResource(resource string) bool {
	switch resource {
	case "userRoles", "users", "userGroups":
		return true
	}
	return false
}

// syncResource runs the generic fetch -> sanitize -> post routine for
// one resource. The returned error is non-nil only for fatal conditions
// (authentication, cancellation); everything else lands on the job.
func (s *Service) syncResource(ctx context.Context, job *models.SyncJob, resource string, directory *DestinationDirectory) (dhis.ImportStats, error) {
	var stats dhis.ImportStats
	desc := DescriptorFor(resource)

	fields := desc.FieldSelection()
	if override := s.fieldsFor(resource); override != "" {
		fields = override
	}

	items, err := s.source.GetMetadata(ctx, resource, fields, s.config.PageSize)
	if err != nil {
		switch {
		case dhis.IsNotFound(err):
			// Resource absent on this server version; an empty set is a success
			items = nil
		case dhis.IsAuthError(err) || ctx.Err() != nil:
			return stats, err
		default:
			job.ErrorCount++
			stats.Errors++
			job.AppendLog(fmt.Sprintf("✗ %s: extraction échouée: %v", resource, err))
			s.logger.Warn().Err(err).Str("resource", resource).Msg("Metadata extraction failed")
			return stats, nil
		}
	}

	if keep := s.selection(resource); keep != nil {
		selected := make([]dhis.Object, 0, len(keep))
		for _, item := range items {
			if id, ok := item["id"].(string); ok && keep[id] {
				selected = append(selected, item)
			}
		}
		if len(selected) < len(items) {
			job.AppendLog(fmt.Sprintf("%s: sélection appliquée (%d/%d objets)", resource, len(selected), len(items)))
		}
		items = selected
	}

	if len(items) == 0 {
		job.AppendLog(fmt.Sprintf("✓ %s: Source=0 | Created=0, Updated=0 | Ignored=0 | Errors=0, Warnings=0", resource))
		return stats, nil
	}

	s.sanitize(job, desc, items, directory)

	report, err := s.dest.PostMetadata(ctx, resource, items, s.config.ImportStrategy, s.config.MergeMode, desc.SkipSharing)
	if err != nil {
		if dhis.IsAuthError(err) || ctx.Err() != nil {
			return stats, err
		}
		job.ErrorCount++
		stats.Errors++
		job.AppendLog(fmt.Sprintf("✗ %s: import échoué: %v", resource, err))
		s.logger.Warn().Err(err).Str("resource", resource).Msg("Metadata import failed")
		return stats, nil
	}

	stats = report.Stats()
	job.SuccessCount += stats.Created + stats.Updated
	job.ErrorCount += stats.Errors
	job.WarningCount += stats.Warnings

	job.AppendLog(fmt.Sprintf("✓ %s: Source=%d | Created=%d, Updated=%d | Ignored=%d | Errors=%d, Warnings=%d",
		resource, len(items), stats.Created, stats.Updated, stats.Ignored, stats.Errors, stats.Warnings))
	for _, conflict := range stats.Conflicts {
		job.AppendLog(fmt.Sprintf("  conflit %s: %s", resource, conflict))
	}

	s.logger.Info().
		Str("resource", resource).
		Int("source", len(items)).
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("errors", stats.Errors).
		Msg("Metadata resource synchronized")

	return stats, nil
}

// sanitize applies the descriptor's cleaners and logs removals. Removal
// counts never raise job error or warning counters.
func (s *Service) sanitize(job *models.SyncJob, desc Descriptor, items []dhis.Object, directory *DestinationDirectory) {
	if desc.CleanSharing && directory != nil {
		if result := CleanSharing(items, directory); result.HasRemovals() {
			job.AppendLog(fmt.Sprintf("%s: %s", desc.Resource, result))
			s.logger.Info().
				Str("resource", desc.Resource).
				Int("users", result.InvalidUsers).
				Int("userGroups", result.InvalidUserGroups).
				Msg("Removed sharing references unknown to destination")
		}
	}
	if desc.CleanRoles && directory != nil {
		if result := CleanUserRoles(items, directory); result.HasRemovals() || result.UsersWithDefault > 0 {
			job.AppendLog(fmt.Sprintf("%s: %d rôles invalides retirés, %d utilisateurs avec rôle par défaut",
				desc.Resource, result.InvalidRoles, result.UsersWithDefault))
			s.logger.Info().
				Str("resource", desc.Resource).
				Int("roles", result.InvalidRoles).
				Int("defaulted", result.UsersWithDefault).
				Msg("Cleaned user role references")
		}
	}
	if desc.StripCombos {
		if stripped := StripVisualizationRefs(items); stripped > 0 {
			job.AppendLog(fmt.Sprintf("%s: références categoryCombo retirées sur %d objets", desc.Resource, stripped))
		}
	}
}
