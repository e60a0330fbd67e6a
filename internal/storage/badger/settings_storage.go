package badger

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/replico/internal/models"
)

// SaveSettings validates and upserts the auto-sync settings row
func (s *Service) SaveSettings(settings *models.AutoSyncSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(settings.ConfigID, settings); err != nil {
		return fmt.Errorf("failed to save auto-sync settings: %w", err)
	}
	return nil
}

// GetSettings returns the stored row or nil when the configuration has
// none stored.
func (s *Service) GetSettings(configID string) (*models.AutoSyncSettings, error) {
	var settings models.AutoSyncSettings
	if err := s.db.Store().Get(configID, &settings); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get auto-sync settings: %w", err)
	}
	return &settings, nil
}

// GetEnabledSettings lists every enabled settings row
func (s *Service) GetEnabledSettings() ([]*models.AutoSyncSettings, error) {
	var settings []*models.AutoSyncSettings
	if err := s.db.Store().Find(&settings, badgerhold.Where("IsEnabled").Eq(true)); err != nil {
		return nil, fmt.Errorf("failed to list enabled settings: %w", err)
	}
	return settings, nil
}

// DeleteSettings removes the settings row; absent rows are not an error
func (s *Service) DeleteSettings(configID string) error {
	if err := s.db.Store().Delete(configID, &models.AutoSyncSettings{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete auto-sync settings: %w", err)
	}
	return nil
}
