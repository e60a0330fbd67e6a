package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFamilies_EmptySelectionMeansAll(t *testing.T) {
	families, err := ResolveFamilies(nil)
	require.NoError(t, err)
	assert.Len(t, families, len(Families))
	assert.Equal(t, "users", families[0])
	assert.Equal(t, "misc", families[len(families)-1])
}

func TestResolveFamilies_DependencyClosure(t *testing.T) {
	families, err := ResolveFamilies([]string{"programs"})
	require.NoError(t, err)

	// Programs transitively needs everything up to system_misc, in priority order
	assert.Equal(t, []string{
		"users",
		"organisation",
		"categories",
		"options",
		"system",
		"data_elements",
		"tracker",
		"system_misc",
		"programs",
	}, families)
}

func TestResolveFamilies_SingleRootFamily(t *testing.T) {
	families, err := ResolveFamilies([]string{"users"})
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, families)
}

func TestResolveFamilies_DuplicatesCollapse(t *testing.T) {
	families, err := ResolveFamilies([]string{"indicators", "data_elements", "indicators"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"users",
		"organisation",
		"categories",
		"options",
		"system",
		"data_elements",
		"indicators",
	}, families)
}

func TestResolveFamilies_UnknownNameRejected(t *testing.T) {
	_, err := ResolveFamilies([]string{"users", "nonsense"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonsense")
}

func TestFamilyByName(t *testing.T) {
	family, ok := FamilyByName("categories")
	require.True(t, ok)
	assert.Equal(t, 3, family.Priority)
	assert.Contains(t, family.Resources, "categoryOptionCombos")

	_, ok = FamilyByName("missing")
	assert.False(t, ok)
}

func TestFamilies_PrioritiesAreDenseAndOrdered(t *testing.T) {
	for i, family := range Families {
		assert.Equal(t, i+1, family.Priority, "family %s", family.Name)
		for _, dep := range family.Dependencies {
			depFamily, ok := FamilyByName(dep)
			require.True(t, ok, "family %s depends on unknown %s", family.Name, dep)
			assert.Less(t, depFamily.Priority, family.Priority,
				"family %s must run after its dependency %s", family.Name, dep)
		}
	}
}

func TestFamilies_EveryResourceHasARank(t *testing.T) {
	seen := make(map[string]bool)
	for _, family := range Families {
		for _, resource := range family.Resources {
			assert.False(t, seen[resource], "resource %s appears twice", resource)
			seen[resource] = true
			_, ok := importRank[resource]
			assert.True(t, ok, "resource %s has no import rank", resource)
		}
	}
}
