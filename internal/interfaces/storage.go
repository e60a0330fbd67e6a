package interfaces

import (
	"github.com/ternarybob/replico/internal/models"
)

// InstanceStorage - persistence for HIS instance records
type InstanceStorage interface {
	SaveInstance(instance *models.Instance) error
	GetInstance(id string) (*models.Instance, error)
	GetInstanceByName(name string) (*models.Instance, error)
	GetAllInstances() ([]*models.Instance, error)
	DeleteInstance(id string) error
}

// ConfigStorage - persistence for replication configurations
type ConfigStorage interface {
	SaveConfig(config *models.SyncConfiguration) error
	GetConfig(id string) (*models.SyncConfiguration, error)
	GetAllConfigs() ([]*models.SyncConfiguration, error)
	GetActiveConfigs() ([]*models.SyncConfiguration, error)
	DeleteConfig(id string) error
}

// JobListOptions narrows and pages job listings
type JobListOptions struct {
	ConfigID string
	Status   models.JobStatus
	Limit    int
	Offset   int
}

// JobStorage - persistence for sync jobs
type JobStorage interface {
	SaveJob(job *models.SyncJob) error
	GetJob(id string) (*models.SyncJob, error)
	ListJobs(opts JobListOptions) ([]*models.SyncJob, error)
	// GetLiveJob returns the PENDING or RUNNING job for a configuration,
	// nil when there is none
	GetLiveJob(configID string) (*models.SyncJob, error)
	// GetRetryableJobs returns FAILED jobs still holding retry budget
	GetRetryableJobs() ([]*models.SyncJob, error)
	// GetDueRetries returns RETRYING jobs whose retry slot has fired
	GetDueRetries() ([]*models.SyncJob, error)
	DeleteJob(id string) error
}

// SettingsStorage - persistence for per-configuration auto-sync settings
type SettingsStorage interface {
	SaveSettings(settings *models.AutoSyncSettings) error
	// GetSettings returns the stored row or nil when the configuration
	// has none; callers then apply process defaults
	GetSettings(configID string) (*models.AutoSyncSettings, error)
	GetEnabledSettings() ([]*models.AutoSyncSettings, error)
	DeleteSettings(configID string) error
}

// EntityStorage - persistence for selected entities, per-version field
// metadata and per-program date filter choices
type EntityStorage interface {
	SaveEntity(entity *models.Entity) error
	GetEntities(configID string) ([]*models.Entity, error)
	GetEntitiesByType(configID, entityType string) ([]*models.Entity, error)
	DeleteEntities(configID string) error

	SaveEntityVersion(version *models.EntityVersion) error
	GetEntityVersion(version, entityType string) (*models.EntityVersion, error)

	SaveDateFilterAttribute(attr *models.DateFilterAttribute) error
	GetDateFilterAttribute(programID string) (*models.DateFilterAttribute, error)
}

// Storage aggregates every store the service wires at startup
type Storage interface {
	InstanceStorage
	ConfigStorage
	JobStorage
	SettingsStorage
	EntityStorage
	// LoadDefinitions seeds the store from a directory of TOML/YAML
	// definition files
	LoadDefinitions(dir string) error
	Close() error
}
