package models

import (
	"fmt"
	"time"
)

// AutoSyncSettings holds the continuous-replication knobs for one configuration
type AutoSyncSettings struct {
	ConfigID  string `json:"config_id" toml:"config_id" yaml:"config_id" badgerhold:"key"`
	IsEnabled bool   `json:"is_enabled" toml:"is_enabled" yaml:"is_enabled"`

	CheckInterval   int `json:"check_interval" toml:"check_interval" yaml:"check_interval"`          // Seconds between ticks, minimum 60
	DelayBeforeSync int `json:"delay_before_sync" toml:"delay_before_sync" yaml:"delay_before_sync"` // Seconds before the first tick

	MonitorMetadata bool `json:"monitor_metadata" toml:"monitor_metadata" yaml:"monitor_metadata"`
	MonitorData     bool `json:"monitor_data" toml:"monitor_data" yaml:"monitor_data"`

	IncludeResources []string `json:"include_resources,omitempty" toml:"include_resources" yaml:"include_resources"`
	ExcludeResources []string `json:"exclude_resources,omitempty" toml:"exclude_resources" yaml:"exclude_resources"`

	MaxSyncsPerHour    int `json:"max_syncs_per_hour" toml:"max_syncs_per_hour" yaml:"max_syncs_per_hour"`
	CooldownAfterError int `json:"cooldown_after_error" toml:"cooldown_after_error" yaml:"cooldown_after_error"` // Seconds

	UpdatedAt time.Time `json:"updated_at"`
}

// NewAutoSyncSettings returns settings with operational defaults for a configuration
func NewAutoSyncSettings(configID string) *AutoSyncSettings {
	return &AutoSyncSettings{
		ConfigID:           configID,
		IsEnabled:          false,
		CheckInterval:      300,
		DelayBeforeSync:    30,
		MonitorMetadata:    true,
		MonitorData:        true,
		MaxSyncsPerHour:    10,
		CooldownAfterError: 1800,
		UpdatedAt:          time.Now(),
	}
}

// Validate enforces the interval floor and positive limits
func (s *AutoSyncSettings) Validate() error {
	if s.ConfigID == "" {
		return fmt.Errorf("auto-sync settings require a configuration id")
	}
	if s.CheckInterval < 60 {
		return fmt.Errorf("check_interval must be at least 60 seconds, got %d", s.CheckInterval)
	}
	if s.DelayBeforeSync < 0 {
		return fmt.Errorf("delay_before_sync must not be negative, got %d", s.DelayBeforeSync)
	}
	if s.MaxSyncsPerHour < 1 {
		return fmt.Errorf("max_syncs_per_hour must be positive, got %d", s.MaxSyncsPerHour)
	}
	if s.CooldownAfterError < 0 {
		return fmt.Errorf("cooldown_after_error must not be negative, got %d", s.CooldownAfterError)
	}
	return nil
}

// CheckIntervalDuration returns the tick interval as a duration
func (s *AutoSyncSettings) CheckIntervalDuration() time.Duration {
	return time.Duration(s.CheckInterval) * time.Second
}

// DelayBeforeSyncDuration returns the initial delay as a duration
func (s *AutoSyncSettings) DelayBeforeSyncDuration() time.Duration {
	return time.Duration(s.DelayBeforeSync) * time.Second
}

// CooldownDuration returns the post-error pause as a duration
func (s *AutoSyncSettings) CooldownDuration() time.Duration {
	return time.Duration(s.CooldownAfterError) * time.Second
}
