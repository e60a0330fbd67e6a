package badger

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/replico/internal/models"
)

// SaveConfig validates and upserts a replication configuration. The
// cross-instance role checks run against the stored instances so an
// invalid pairing is rejected at save time.
func (s *Service) SaveConfig(config *models.SyncConfiguration) error {
	if config.ID == "" {
		return fmt.Errorf("configuration ID is required")
	}
	config.Normalize()

	source, err := s.GetInstance(config.SourceID)
	if err != nil {
		return fmt.Errorf("configuration %q: %w", config.Name, err)
	}
	destination, err := s.GetInstance(config.DestinationID)
	if err != nil {
		return fmt.Errorf("configuration %q: %w", config.Name, err)
	}
	if err := config.ValidateWith(source, destination); err != nil {
		return err
	}

	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now()
	}
	config.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(config.ID, config); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// GetConfig loads one configuration by id
func (s *Service) GetConfig(id string) (*models.SyncConfiguration, error) {
	var config models.SyncConfiguration
	if err := s.db.Store().Get(id, &config); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("configuration not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return &config, nil
}

// GetAllConfigs lists every configuration ordered by name
func (s *Service) GetAllConfigs() ([]*models.SyncConfiguration, error) {
	var configs []*models.SyncConfiguration
	if err := s.db.Store().Find(&configs, badgerhold.Where("ID").Ne("").SortBy("Name")); err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	return configs, nil
}

// GetActiveConfigs lists the configurations flagged active
func (s *Service) GetActiveConfigs() ([]*models.SyncConfiguration, error) {
	var configs []*models.SyncConfiguration
	if err := s.db.Store().Find(&configs, badgerhold.Where("IsActive").Eq(true).SortBy("Name")); err != nil {
		return nil, fmt.Errorf("failed to list active configurations: %w", err)
	}
	return configs, nil
}

// DeleteConfig removes one configuration and its dependent rows
func (s *Service) DeleteConfig(id string) error {
	if err := s.db.Store().Delete(id, &models.SyncConfiguration{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("configuration not found: %s", id)
		}
		return fmt.Errorf("failed to delete configuration: %w", err)
	}
	if err := s.DeleteEntities(id); err != nil {
		s.logger.Warn().Err(err).Str("config", id).Msg("Failed to delete selected entities")
	}
	if err := s.DeleteSettings(id); err != nil {
		s.logger.Warn().Err(err).Str("config", id).Msg("Failed to delete auto-sync settings")
	}
	return nil
}
