package badger

import (
	"fmt"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/replico/internal/models"
)

// SaveInstance validates and upserts an instance record, enforcing the
// unique name constraint.
func (s *Service) SaveInstance(instance *models.Instance) error {
	if instance.ID == "" {
		return fmt.Errorf("instance ID is required")
	}
	instance.Normalize()
	if err := instance.Validate(); err != nil {
		return err
	}

	existing, err := s.GetInstanceByName(instance.Name)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != instance.ID {
		return fmt.Errorf("instance name %q is already in use", instance.Name)
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now()
	}
	instance.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(instance.ID, instance); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// GetInstance loads one instance by id
func (s *Service) GetInstance(id string) (*models.Instance, error) {
	var instance models.Instance
	if err := s.db.Store().Get(id, &instance); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("instance not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &instance, nil
}

// GetInstanceByName loads one instance by display name, nil when absent
func (s *Service) GetInstanceByName(name string) (*models.Instance, error) {
	var instances []*models.Instance
	if err := s.db.Store().Find(&instances, badgerhold.Where("Name").Eq(name).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return instances[0], nil
}

// GetAllInstances lists every instance ordered by name
func (s *Service) GetAllInstances() ([]*models.Instance, error) {
	var instances []*models.Instance
	if err := s.db.Store().Find(&instances, badgerhold.Where("ID").Ne("").SortBy("Name")); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// DeleteInstance removes one instance record
func (s *Service) DeleteInstance(id string) error {
	if err := s.db.Store().Delete(id, &models.Instance{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("instance not found: %s", id)
		}
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}
