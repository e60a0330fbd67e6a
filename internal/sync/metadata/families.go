package metadata

import (
	"fmt"
	"sort"
)

// Family is a named group of metadata resources that import together and
// share a dependency slot. Families are totally ordered by priority.
type Family struct {
	Name         string
	Priority     int
	Resources    []string // In import rank order
	Dependencies []string
}

// Families is the replication catalog. Priorities and dependency sets
// drive the execution order; the member lists are in import rank order.
var Families = []Family{
	{Name: "users", Priority: 1,
		Resources:    []string{"userRoles", "users", "userGroups"},
		Dependencies: nil},
	{Name: "organisation", Priority: 2,
		Resources:    []string{"organisationUnitLevels", "organisationUnits", "organisationUnitGroups", "organisationUnitGroupSets"},
		Dependencies: []string{"users"}},
	{Name: "categories", Priority: 3,
		Resources:    []string{"categoryOptions", "categories", "categoryCombos", "categoryOptionCombos", "categoryOptionGroups", "categoryOptionGroupSets"},
		Dependencies: []string{"organisation"}},
	{Name: "options", Priority: 4,
		Resources:    []string{"options", "optionSets", "optionGroups", "optionGroupSets"},
		Dependencies: nil},
	{Name: "system", Priority: 5,
		Resources:    []string{"attributes", "constants"},
		Dependencies: nil},
	{Name: "data_elements", Priority: 6,
		Resources:    []string{"dataElements", "dataElementGroups", "dataElementGroupSets"},
		Dependencies: []string{"system", "categories", "options"}},
	{Name: "indicators", Priority: 7,
		Resources:    []string{"indicatorTypes", "indicators", "indicatorGroups", "indicatorGroupSets"},
		Dependencies: []string{"data_elements"}},
	{Name: "data_sets", Priority: 8,
		Resources:    []string{"dataEntryForms", "dataSets", "dataSetElements", "dataInputPeriods", "dataSetNotificationTemplates"},
		Dependencies: []string{"data_elements", "categories"}},
	{Name: "tracker", Priority: 9,
		Resources:    []string{"trackedEntityTypes", "trackedEntityAttributes", "trackedEntityAttributeGroups"},
		Dependencies: []string{"options", "organisation"}},
	{Name: "system_misc", Priority: 10,
		Resources:    []string{"relationshipTypes"},
		Dependencies: nil},
	{Name: "programs", Priority: 11,
		Resources:    []string{"programs", "programStages", "programStageSections", "programRuleVariables", "programRules", "programRuleActions", "programIndicators", "programNotificationTemplates"},
		Dependencies: []string{"tracker", "data_elements", "categories", "system_misc"}},
	{Name: "validation", Priority: 12,
		Resources:    []string{"validationRules", "validationRuleGroups", "validationNotificationTemplates"},
		Dependencies: []string{"data_elements", "programs"}},
	{Name: "predictors", Priority: 13,
		Resources:    []string{"predictors", "predictorGroups"},
		Dependencies: []string{"data_elements", "indicators"}},
	{Name: "legends", Priority: 14,
		Resources:    []string{"legends", "legendSets"},
		Dependencies: nil},
	{Name: "analytics", Priority: 15,
		Resources:    []string{"maps", "visualizations", "eventReports", "dashboards"},
		Dependencies: []string{"indicators", "data_elements", "programs", "legends"}},
	{Name: "misc", Priority: 16,
		Resources:    []string{"documents", "interpretations"},
		Dependencies: nil},
}

// familyIndex is computed once at package init
var familyIndex = func() map[string]*Family {
	idx := make(map[string]*Family, len(Families))
	for i := range Families {
		idx[Families[i].Name] = &Families[i]
	}
	return idx
}()

// FamilyByName looks a family up by its catalog name
func FamilyByName(name string) (*Family, bool) {
	f, ok := familyIndex[name]
	return f, ok
}

// AllFamilyNames returns every family name in priority order
func AllFamilyNames() []string {
	names := make([]string, 0, len(Families))
	for _, f := range Families {
		names = append(names, f.Name)
	}
	return names
}

// ResolveFamilies expands a selection to its transitive dependency
// closure and returns it ordered by priority. An empty selection means
// every family. Unknown names are rejected.
func ResolveFamilies(selected []string) ([]string, error) {
	if len(selected) == 0 {
		return AllFamilyNames(), nil
	}

	resolved := make(map[string]bool)

	var resolve func(name string) error
	resolve = func(name string) error {
		if resolved[name] {
			return nil
		}
		family, ok := familyIndex[name]
		if !ok {
			return fmt.Errorf("unknown metadata family: %s", name)
		}
		resolved[name] = true
		for _, dep := range family.Dependencies {
			if err := resolve(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range selected {
		if err := resolve(name); err != nil {
			return nil, err
		}
	}

	ordered := make([]string, 0, len(resolved))
	for name := range resolved {
		ordered = append(ordered, name)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return familyIndex[ordered[i]].Priority < familyIndex[ordered[j]].Priority
	})
	return ordered, nil
}
