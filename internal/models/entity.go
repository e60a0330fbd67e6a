package models

import (
	"time"
)

// Entity records one source object selected for replication under a
// configuration, with the import-order hint used for display and export.
// Unique per (ConfigID, EntityType, ExternalID); the store derives its
// key from EntityKey.
type Entity struct {
	Key         string    `json:"key" badgerhold:"key"`
	ConfigID    string    `json:"config_id" badgerhold:"index"`
	EntityType  string    `json:"entity_type"` // Resource name, e.g. "dataElements"
	ExternalID  string    `json:"external_id"` // Source-side UID
	Name        string    `json:"name"`
	ImportOrder int       `json:"import_order"`
	SelectedAt  time.Time `json:"selected_at"`
}

// EntityKey builds the composite unique key for a selected entity
func EntityKey(configID, entityType, externalID string) string {
	return configID + "/" + entityType + "/" + externalID
}

// EntityVersion records the field metadata one server version exposes for
// an entity type. Unique per (Version, EntityType).
type EntityVersion struct {
	Key        string    `json:"key" badgerhold:"key"`
	Version    string    `json:"version"` // Server version, e.g. "2.40"
	EntityType string    `json:"entity_type"`
	Fields     string    `json:"fields"` // Comma-separated field selection accepted by this version
	UpdatedAt  time.Time `json:"updated_at"`
}

// EntityVersionKey builds the composite unique key for a version record
func EntityVersionKey(version, entityType string) string {
	return version + "/" + entityType
}

// DateFilterAttribute records, per program, which date attribute feeds
// the lastUpdated filter during change detection and tracker extraction.
type DateFilterAttribute struct {
	ProgramID string    `json:"program_id" badgerhold:"key"`
	Attribute string    `json:"attribute"` // e.g. "lastUpdated", "enrollmentDate"
	UpdatedAt time.Time `json:"updated_at"`
}
