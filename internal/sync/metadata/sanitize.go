package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/replico/internal/dhis"
)

// DestinationDirectory holds the destination-side identifier sets the
// sanitizers filter against, loaded at phase start and refreshed after
// every user-directory import.
type DestinationDirectory struct {
	Users      map[string]bool
	UserGroups map[string]bool
	Roles      map[string]bool
	// RoleList keeps order so the default-role pick is deterministic
	RoleList []dhis.Object
}

// LoadDirectory fetches the destination's users, user groups and user
// roles. A failure yields a nil directory; callers then post payloads
// uncleaned rather than failing the resource.
func LoadDirectory(ctx context.Context, dest *dhis.Client) (*DestinationDirectory, error) {
	dir := &DestinationDirectory{
		Users:      make(map[string]bool),
		UserGroups: make(map[string]bool),
		Roles:      make(map[string]bool),
	}

	users, err := dest.GetMetadata(ctx, "users", "id", 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to load destination users: %w", err)
	}
	for _, u := range users {
		if id, ok := u["id"].(string); ok {
			dir.Users[id] = true
		}
	}

	groups, err := dest.GetMetadata(ctx, "userGroups", "id", 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to load destination user groups: %w", err)
	}
	for _, g := range groups {
		if id, ok := g["id"].(string); ok {
			dir.UserGroups[id] = true
		}
	}

	roles, err := dest.GetMetadata(ctx, "userRoles", "id,name", 1000)
	if err != nil {
		return nil, fmt.Errorf("failed to load destination user roles: %w", err)
	}
	for _, r := range roles {
		if id, ok := r["id"].(string); ok {
			dir.Roles[id] = true
			dir.RoleList = append(dir.RoleList, r)
		}
	}

	return dir, nil
}

// SanitizeResult counts what the cleaners removed so the caller can log
// it; removals never raise job counters.
type SanitizeResult struct {
	CleanedObjects    int
	InvalidUsers      int
	InvalidUserGroups int
	InvalidRoles      int
	UsersWithDefault  int
}

// HasRemovals reports whether anything was dropped
func (r SanitizeResult) HasRemovals() bool {
	return r.InvalidUsers > 0 || r.InvalidUserGroups > 0 || r.InvalidRoles > 0
}

// String renders the operator-facing removal note
func (r SanitizeResult) String() string {
	return fmt.Sprintf("%d users invalides, %d userGroups invalides retirés", r.InvalidUsers, r.InvalidUserGroups)
}

// CleanSharing rewrites each object's sharing block in place, dropping
// grants that name users or user groups absent from the destination.
// Both the dict-keyed form (sharing.users / sharing.userGroups) and the
// access-list form (userAccesses / userGroupAccesses) are handled.
// Idempotent: a second pass removes nothing.
func CleanSharing(items []dhis.Object, dir *DestinationDirectory) SanitizeResult {
	var result SanitizeResult
	if dir == nil {
		return result
	}

	for _, item := range items {
		sharing, ok := item["sharing"].(map[string]any)
		if !ok {
			continue
		}

		removed := 0
		removed += cleanSharingMap(sharing, "users", dir.Users, &result.InvalidUsers)
		removed += cleanSharingMap(sharing, "userGroups", dir.UserGroups, &result.InvalidUserGroups)
		removed += cleanAccessList(sharing, "userAccesses", dir.Users, &result.InvalidUsers)
		removed += cleanAccessList(sharing, "userGroupAccesses", dir.UserGroups, &result.InvalidUserGroups)
		if removed > 0 {
			result.CleanedObjects++
		}
	}
	return result
}

// cleanSharingMap filters one dict-keyed grant map, keeping entries
// whose key is known to the destination.
func cleanSharingMap(sharing map[string]any, key string, known map[string]bool, counter *int) int {
	grants, ok := sharing[key].(map[string]any)
	if !ok {
		return 0
	}
	removed := 0
	for id := range grants {
		if !known[id] {
			delete(grants, id)
			removed++
		}
	}
	*counter += removed
	return removed
}

// cleanAccessList filters one list-of-access-objects grant list by the
// id field of each entry.
func cleanAccessList(sharing map[string]any, key string, known map[string]bool, counter *int) int {
	accesses, ok := sharing[key].([]any)
	if !ok {
		return 0
	}
	kept := make([]any, 0, len(accesses))
	removed := 0
	for _, entry := range accesses {
		access, ok := entry.(map[string]any)
		if !ok {
			kept = append(kept, entry)
			continue
		}
		id, _ := access["id"].(string)
		if known[id] {
			kept = append(kept, entry)
		} else {
			removed++
		}
	}
	if removed > 0 {
		sharing[key] = kept
	}
	*counter += removed
	return removed
}

// CleanUserRoles drops role references absent on the destination from
// each user payload. A user left without any role gets the destination's
// default role so the import does not reject it.
func CleanUserRoles(users []dhis.Object, dir *DestinationDirectory) SanitizeResult {
	var result SanitizeResult
	if dir == nil {
		return result
	}

	fallback, hasFallback := DefaultRole(dir.RoleList)

	for _, user := range users {
		removed := 0
		roles := filterRoleRefs(user, "userRoles", dir.Roles, &removed)

		// Older servers nest roles under userCredentials
		if creds, ok := user["userCredentials"].(map[string]any); ok {
			credRoles := filterRoleRefs(creds, "userRoles", dir.Roles, &removed)
			if len(credRoles) == 0 && hasFallback {
				creds["userRoles"] = []any{dhis.Object{"id": fallback}}
			}
			if roles == nil {
				roles = credRoles
			}
		}

		if removed > 0 {
			result.CleanedObjects++
			result.InvalidRoles += removed
		}
		if _, present := user["userRoles"]; present && len(roles) == 0 && hasFallback {
			user["userRoles"] = []any{dhis.Object{"id": fallback}}
			result.UsersWithDefault++
		}
	}
	return result
}

// filterRoleRefs rewrites container[key] keeping only known role ids and
// returns the kept list. A missing or malformed key yields nil.
func filterRoleRefs(container map[string]any, key string, known map[string]bool, removed *int) []any {
	refs, ok := container[key].([]any)
	if !ok {
		return nil
	}
	kept := make([]any, 0, len(refs))
	for _, entry := range refs {
		ref, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, _ := ref["id"].(string)
		if known[id] {
			kept = append(kept, entry)
		} else {
			*removed++
		}
	}
	container[key] = kept
	return kept
}

// DefaultRole picks the destination role to assign users stripped of all
// their roles: first role whose name contains "data entry", "user" or
// "basic", else the first role available.
func DefaultRole(roles []dhis.Object) (string, bool) {
	for _, keyword := range []string{"data entry", "user", "basic"} {
		for _, role := range roles {
			name, _ := role["name"].(string)
			if strings.Contains(strings.ToLower(name), keyword) {
				id, _ := role["id"].(string)
				return id, id != ""
			}
		}
	}
	if len(roles) > 0 {
		id, _ := roles[0]["id"].(string)
		return id, id != ""
	}
	return "", false
}

// StripVisualizationRefs removes the embedded category combo references
// that make the destination's proxy reject visualization imports.
// Returns the number of objects touched.
func StripVisualizationRefs(items []dhis.Object) int {
	stripped := 0
	for _, item := range items {
		touched := false
		if _, ok := item["categoryCombo"]; ok {
			delete(item, "categoryCombo")
			touched = true
		}
		for _, key := range []string{"dataDimensionItems", "columns", "rows", "filters"} {
			entries, ok := item[key].([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				dim, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				if _, ok := dim["categoryCombo"]; ok {
					delete(dim, "categoryCombo")
					touched = true
				}
			}
		}
		if touched {
			stripped++
		}
	}
	return stripped
}
