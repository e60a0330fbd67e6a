package models

import (
	"fmt"
	"time"
)

// SyncType selects which replication phases a configuration covers
type SyncType string

const (
	SyncTypeMetadata          SyncType = "metadata"
	SyncTypeAggregate         SyncType = "aggregate"
	SyncTypeEvents            SyncType = "events"
	SyncTypeTracker           SyncType = "tracker"
	SyncTypeMetadataAggregate SyncType = "metadata_aggregate"
	SyncTypeAllData           SyncType = "all_data"
	SyncTypeComplete          SyncType = "complete"
)

// ImportStrategy maps to the destination's importStrategy parameter
type ImportStrategy string

const (
	ImportStrategyCreate          ImportStrategy = "CREATE"
	ImportStrategyUpdate          ImportStrategy = "UPDATE"
	ImportStrategyCreateAndUpdate ImportStrategy = "CREATE_AND_UPDATE"
	ImportStrategyDelete          ImportStrategy = "DELETE"
)

// MergeMode maps to the destination's mergeMode parameter
type MergeMode string

const (
	MergeModeReplace MergeMode = "REPLACE"
	MergeModeMerge   MergeMode = "MERGE"
)

// ExecutionMode controls how a configuration is triggered
type ExecutionMode string

const (
	ExecutionModeManual    ExecutionMode = "manual"
	ExecutionModeScheduled ExecutionMode = "scheduled"
	ExecutionModeAutomatic ExecutionMode = "automatic"
)

// Phase is one unit of orchestrated work within a job
type Phase string

const (
	PhaseMetadata  Phase = "metadata"
	PhaseTracker   Phase = "tracker"
	PhaseEvents    Phase = "events"
	PhaseAggregate Phase = "aggregate"
)

// SyncConfiguration is a directed source -> destination replication pairing
type SyncConfiguration struct {
	ID   string `json:"id" toml:"id" yaml:"id" badgerhold:"key"`
	Name string `json:"name" toml:"name" yaml:"name"`

	SourceID      string `json:"source_id" toml:"source_id" yaml:"source_id"`
	DestinationID string `json:"destination_id" toml:"destination_id" yaml:"destination_id"`

	SyncType       SyncType       `json:"sync_type" toml:"sync_type" yaml:"sync_type"`
	ImportStrategy ImportStrategy `json:"import_strategy" toml:"import_strategy" yaml:"import_strategy"`
	MergeMode      MergeMode      `json:"merge_mode" toml:"merge_mode" yaml:"merge_mode"`
	ExecutionMode  ExecutionMode  `json:"execution_mode" toml:"execution_mode" yaml:"execution_mode"`

	// Pagination page size for source metadata reads (1..1000)
	PageSize int `json:"page_size" toml:"page_size" yaml:"page_size"`

	// Optional date window bounds for data extraction
	DateStart *time.Time `json:"date_start,omitempty" toml:"date_start" yaml:"date_start"`
	DateEnd   *time.Time `json:"date_end,omitempty" toml:"date_end" yaml:"date_end"`

	// Optional restriction of metadata families to replicate
	Families []string `json:"families,omitempty" toml:"families" yaml:"families"`

	// Optional explicit scopes for the data phases; empty means resolve
	// from the source's metadata
	OrgUnits []string `json:"org_units,omitempty" toml:"org_units" yaml:"org_units"`
	Periods  []string `json:"periods,omitempty" toml:"periods" yaml:"periods"`
	Programs []string `json:"programs,omitempty" toml:"programs" yaml:"programs"`

	// Cron schedule, required when ExecutionMode is scheduled
	Schedule string `json:"schedule,omitempty" toml:"schedule" yaml:"schedule"`

	IsActive bool `json:"is_active" toml:"is_active" yaml:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize applies defaults in place
func (c *SyncConfiguration) Normalize() {
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.ImportStrategy == "" {
		c.ImportStrategy = ImportStrategyCreateAndUpdate
	}
	if c.MergeMode == "" {
		c.MergeMode = MergeModeMerge
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = ExecutionModeManual
	}
}

// Validate checks intrinsic rules. Cross-instance rules are checked by
// ValidateWith once the referenced instances are loaded.
func (c *SyncConfiguration) Validate() error {
	if c.SourceID == "" || c.DestinationID == "" {
		return fmt.Errorf("configuration %q: source and destination are required", c.Name)
	}
	if c.SourceID == c.DestinationID {
		return fmt.Errorf("configuration %q: source and destination must differ", c.Name)
	}
	switch c.SyncType {
	case SyncTypeMetadata, SyncTypeAggregate, SyncTypeEvents, SyncTypeTracker,
		SyncTypeMetadataAggregate, SyncTypeAllData, SyncTypeComplete:
	default:
		return fmt.Errorf("configuration %q: unknown sync type %q", c.Name, c.SyncType)
	}
	switch c.ImportStrategy {
	case ImportStrategyCreate, ImportStrategyUpdate, ImportStrategyCreateAndUpdate, ImportStrategyDelete:
	default:
		return fmt.Errorf("configuration %q: unknown import strategy %q", c.Name, c.ImportStrategy)
	}
	switch c.MergeMode {
	case MergeModeReplace, MergeModeMerge:
	default:
		return fmt.Errorf("configuration %q: unknown merge mode %q", c.Name, c.MergeMode)
	}
	if c.PageSize < 1 || c.PageSize > 1000 {
		return fmt.Errorf("configuration %q: page size must be in [1,1000], got %d", c.Name, c.PageSize)
	}
	if c.DateStart != nil && c.DateEnd != nil && c.DateStart.After(*c.DateEnd) {
		return fmt.Errorf("configuration %q: date_start must not be after date_end", c.Name)
	}
	if c.ExecutionMode == ExecutionModeScheduled && c.Schedule == "" {
		return fmt.Errorf("configuration %q: scheduled execution requires a schedule", c.Name)
	}
	return nil
}

// ValidateWith checks role constraints against the referenced instances
func (c *SyncConfiguration) ValidateWith(source, destination *Instance) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if source == nil || destination == nil {
		return fmt.Errorf("configuration %q: source or destination instance not found", c.Name)
	}
	if !source.IsSource {
		return fmt.Errorf("configuration %q: instance %q is not flagged as a source", c.Name, source.Name)
	}
	if !destination.IsDestination {
		return fmt.Errorf("configuration %q: instance %q is not flagged as a destination", c.Name, destination.Name)
	}
	return nil
}

// Phases returns the orchestrated phases implied by the sync type,
// in the fixed execution order metadata -> tracker -> events -> aggregate.
func (c *SyncConfiguration) Phases() []Phase {
	switch c.SyncType {
	case SyncTypeMetadata:
		return []Phase{PhaseMetadata}
	case SyncTypeAggregate:
		return []Phase{PhaseAggregate}
	case SyncTypeEvents:
		return []Phase{PhaseEvents}
	case SyncTypeTracker:
		return []Phase{PhaseTracker}
	case SyncTypeMetadataAggregate:
		return []Phase{PhaseMetadata, PhaseAggregate}
	case SyncTypeAllData:
		return []Phase{PhaseTracker, PhaseEvents, PhaseAggregate}
	case SyncTypeComplete:
		return []Phase{PhaseMetadata, PhaseTracker, PhaseEvents, PhaseAggregate}
	default:
		return nil
	}
}

// HasPhase reports whether the sync type includes the given phase
func (c *SyncConfiguration) HasPhase(phase Phase) bool {
	for _, p := range c.Phases() {
		if p == phase {
			return true
		}
	}
	return false
}
