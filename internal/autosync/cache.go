package autosync

import (
	"strings"
	"sync"
	"time"
)

// LifecycleState tracks where a configuration sits in the
// continuous-replication progression.
type LifecycleState string

const (
	// StateInitial means no successful full sync has happened yet
	StateInitial LifecycleState = "INITIAL"
	// StateMetadataDone means incremental syncs are sufficient
	StateMetadataDone LifecycleState = "METADATA_DONE"
)

const (
	watermarkTTL = 24 * time.Hour
	rateWindow   = time.Hour
)

// ReplicationCache is the process-wide mutable state of the
// continuous-replication controller: change watermarks, sliding rate
// windows, cooldown deadlines, lifecycle states, and the per-instance
// audit-endpoint answers. One value is owned by the scheduler and
// shared by every monitor task, so all access is mutex-guarded.
type ReplicationCache struct {
	mu sync.Mutex

	watermarks map[string]time.Time
	rateSlots  map[string][]time.Time
	cooldowns  map[string]time.Time
	states     map[string]LifecycleState
	audits     map[string]bool

	now func() time.Time
}

// NewReplicationCache creates an empty cache
func NewReplicationCache() *ReplicationCache {
	return &ReplicationCache{
		watermarks: make(map[string]time.Time),
		rateSlots:  make(map[string][]time.Time),
		cooldowns:  make(map[string]time.Time),
		states:     make(map[string]LifecycleState),
		audits:     make(map[string]bool),
		now:        time.Now,
	}
}

// WatermarkKey composes the watermark identity: which resource of which
// source instance was last reconciled, per detection category
// ("metadata" or "data").
func WatermarkKey(instanceID, category, resource string) string {
	return instanceID + "/" + category + "/" + resource
}

// Watermark returns the last reconciled instant under a key built with
// WatermarkKey. Watermarks older than 24 hours have expired and read as
// absent, forcing a conservative full detection.
func (c *ReplicationCache) Watermark(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mark, ok := c.watermarks[key]
	if !ok || c.now().Sub(mark) > watermarkTTL {
		return time.Time{}, false
	}
	return mark, true
}

// AdvanceWatermark records a successful reconciliation instant
func (c *ReplicationCache) AdvanceWatermark(key string, mark time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watermarks[key] = mark
}

// SyncsInLastHour counts the admissions inside the sliding rate window,
// pruning expired slots.
func (c *ReplicationCache) SyncsInLastHour(configID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pruneLocked(configID))
}

// RecordSync adds one admission to the rate window. Called at the
// moment a sync is admitted, not when it completes, so in-flight syncs
// count against the limit.
func (c *ReplicationCache) RecordSync(configID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateSlots[configID] = append(c.pruneLocked(configID), c.now())
}

func (c *ReplicationCache) pruneLocked(configID string) []time.Time {
	cutoff := c.now().Add(-rateWindow)
	slots := c.rateSlots[configID]
	kept := slots[:0]
	for _, slot := range slots {
		if slot.After(cutoff) {
			kept = append(kept, slot)
		}
	}
	c.rateSlots[configID] = kept
	return kept
}

// CooldownRemaining returns how long the configuration must still wait
// after its last failure; zero when no cooldown is armed.
func (c *ReplicationCache) CooldownRemaining(configID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.cooldowns[configID]
	if !ok {
		return 0
	}
	remaining := deadline.Sub(c.now())
	if remaining <= 0 {
		delete(c.cooldowns, configID)
		return 0
	}
	return remaining
}

// ArmCooldown pauses a configuration for the given duration
func (c *ReplicationCache) ArmCooldown(configID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns[configID] = c.now().Add(d)
}

// State returns the lifecycle state, defaulting to INITIAL
func (c *ReplicationCache) State(configID string) LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.states[configID]; ok {
		return state
	}
	return StateInitial
}

// SetState records the lifecycle state
func (c *ReplicationCache) SetState(configID string, state LifecycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[configID] = state
}

// AuditSupport returns the remembered audit-endpoint answer for an
// instance; the second result is false before the first probe.
func (c *ReplicationCache) AuditSupport(instanceID string) (supported, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	supported, known = c.audits[instanceID]
	return supported, known
}

// SetAuditSupport remembers whether an instance exposes the data value
// audit endpoint.
func (c *ReplicationCache) SetAuditSupport(instanceID string, supported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audits[instanceID] = supported
}

// Forget drops every configuration-keyed entry. Used when a
// configuration is deleted or its monitoring is reset; watermarks are
// instance-keyed and survive (see ForgetInstance).
func (c *ReplicationCache) Forget(configID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rateSlots, configID)
	delete(c.cooldowns, configID)
	delete(c.states, configID)
}

// ForgetInstance drops every watermark of one source instance, the
// operator reset that forces a full detection on the next tick.
func (c *ReplicationCache) ForgetInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := instanceID + "/"
	for key := range c.watermarks {
		if strings.HasPrefix(key, prefix) {
			delete(c.watermarks, key)
		}
	}
}
