package badger

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/replico/internal/models"
)

// SaveEntity upserts one selected entity keyed by its composite key
func (s *Service) SaveEntity(entity *models.Entity) error {
	if entity.ConfigID == "" || entity.EntityType == "" || entity.ExternalID == "" {
		return fmt.Errorf("selected entities require configuration, type and external id")
	}
	entity.Key = models.EntityKey(entity.ConfigID, entity.EntityType, entity.ExternalID)
	if entity.SelectedAt.IsZero() {
		entity.SelectedAt = time.Now()
	}
	if err := s.db.Store().Upsert(entity.Key, entity); err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// GetEntities lists the selected entities of a configuration in import
// order.
func (s *Service) GetEntities(configID string) ([]*models.Entity, error) {
	var entities []*models.Entity
	query := badgerhold.Where("ConfigID").Eq(configID).SortBy("ImportOrder")
	if err := s.db.Store().Find(&entities, query); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return entities, nil
}

// GetEntitiesByType lists the selected entities of one resource type
func (s *Service) GetEntitiesByType(configID, entityType string) ([]*models.Entity, error) {
	var entities []*models.Entity
	query := badgerhold.Where("ConfigID").Eq(configID).And("EntityType").Eq(entityType)
	if err := s.db.Store().Find(&entities, query); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return entities, nil
}

// DeleteEntities removes every selected entity of a configuration
func (s *Service) DeleteEntities(configID string) error {
	if err := s.db.Store().DeleteMatching(&models.Entity{}, badgerhold.Where("ConfigID").Eq(configID)); err != nil {
		return fmt.Errorf("failed to delete entities: %w", err)
	}
	return nil
}

// SaveEntityVersion upserts one per-version field metadata record
func (s *Service) SaveEntityVersion(version *models.EntityVersion) error {
	if version.Version == "" || version.EntityType == "" {
		return fmt.Errorf("entity versions require a server version and entity type")
	}
	version.Key = models.EntityVersionKey(version.Version, version.EntityType)
	version.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(version.Key, version); err != nil {
		return fmt.Errorf("failed to save entity version: %w", err)
	}
	return nil
}

// GetEntityVersion loads the field metadata for (version, entity type),
// nil when unknown.
func (s *Service) GetEntityVersion(version, entityType string) (*models.EntityVersion, error) {
	var record models.EntityVersion
	if err := s.db.Store().Get(models.EntityVersionKey(version, entityType), &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity version: %w", err)
	}
	return &record, nil
}

// SaveDateFilterAttribute upserts a program's date filter choice
func (s *Service) SaveDateFilterAttribute(attr *models.DateFilterAttribute) error {
	if attr.ProgramID == "" {
		return fmt.Errorf("date filter attributes require a program id")
	}
	attr.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(attr.ProgramID, attr); err != nil {
		return fmt.Errorf("failed to save date filter attribute: %w", err)
	}
	return nil
}

// GetDateFilterAttribute loads a program's date filter choice, nil when
// the program uses the default.
func (s *Service) GetDateFilterAttribute(programID string) (*models.DateFilterAttribute, error) {
	var attr models.DateFilterAttribute
	if err := s.db.Store().Get(programID, &attr); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get date filter attribute: %w", err)
	}
	return &attr, nil
}
