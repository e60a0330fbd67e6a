package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

func TestFlattenInstances(t *testing.T) {
	bundle := &dhis.TrackerBundle{}
	flattenInstances(bundle, []dhis.Object{
		{
			"trackedEntity": "tei1",
			"enrollments": []any{
				map[string]any{
					"enrollment": "enr1",
					"events": []any{
						map[string]any{"event": "ev1"},
						map[string]any{"event": "ev2"},
					},
				},
			},
		},
		{"trackedEntity": "tei2"},
	})

	assert.Len(t, bundle.TrackedEntities, 2)
	assert.Len(t, bundle.Enrollments, 1)
	assert.Len(t, bundle.Events, 2)
	assert.Equal(t, 5, bundle.Size())

	// Nesting is removed so the bundle lists are the only carriers
	assert.NotContains(t, bundle.TrackedEntities[0], "enrollments")
	assert.NotContains(t, bundle.Enrollments[0], "events")
}

func trackerSourceHandler(t *testing.T, orgUnitCount int, fetched *[]string) http.Handler {
	orgUnits := make([]any, orgUnitCount)
	for i := range orgUnits {
		orgUnits[i] = map[string]any{"id": fmt.Sprintf("ou%d", i)}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/programs":
			json.NewEncoder(w).Encode(map[string]any{
				"programs": []any{map[string]any{
					"id":                "prg1",
					"name":              "Child health",
					"programType":       "WITH_REGISTRATION",
					"organisationUnits": orgUnits,
				}},
				"pager": map[string]any{"page": 1, "pageCount": 1},
			})
		case "/api/trackedEntityInstances":
			assert.Equal(t, "DESCENDANTS", r.URL.Query().Get("ouMode"))
			*fetched = append(*fetched, r.URL.Query().Get("ou"))
			json.NewEncoder(w).Encode(map[string]any{
				"trackedEntityInstances": []any{
					map[string]any{"trackedEntity": "tei-" + r.URL.Query().Get("ou")},
				},
			})
		default:
			t.Errorf("unexpected source path %s", r.URL.Path)
		}
	})
}

func TestRunTracker_OrgUnitCap(t *testing.T) {
	var fetched []string
	source := newTestClient(t, trackerSourceHandler(t, 25, &fetched))

	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tracker", r.URL.Path)

		var bundle dhis.TrackerBundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bundle))
		assert.Len(t, bundle.TrackedEntities, 10)

		fmt.Fprintf(w, `{
			"status": "OK",
			"bundleReport": {"typeReportMap": {"TRACKED_ENTITY": {"stats": {"created": %d}}}}
		}`, len(bundle.TrackedEntities))
	}))

	config := &models.SyncConfiguration{ID: "cfg1", ImportStrategy: models.ImportStrategyCreateAndUpdate}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeTracker)
	stats, err := service.RunTracker(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, fetched, 10, "the org unit list is capped")
	assert.Equal(t, 10, stats.Created)
	assert.Contains(t, job.LogMessage, "tracker[Child health]: 25 unités d'organisation, limitées à 10")
	assert.Contains(t, job.LogMessage, "✓ tracker[Child health]: Source=10 | Created=10")
}

func TestRunTracker_ConfiguredOrgUnitsOverrideProgram(t *testing.T) {
	var fetched []string
	source := newTestClient(t, trackerSourceHandler(t, 5, &fetched))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "OK", "bundleReport": {"typeReportMap": {}}}`))
	}))

	config := &models.SyncConfiguration{
		ID:             "cfg1",
		ImportStrategy: models.ImportStrategyCreateAndUpdate,
		OrgUnits:       []string{"custom1"},
	}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeTracker)
	_, err := service.RunTracker(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom1"}, fetched)
}

func TestRunTracker_ErrorStatusCountsAtLeastOne(t *testing.T) {
	var fetched []string
	source := newTestClient(t, trackerSourceHandler(t, 1, &fetched))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ERROR", "bundleReport": {"typeReportMap": {}}}`))
	}))

	config := &models.SyncConfiguration{ID: "cfg1", ImportStrategy: models.ImportStrategyCreateAndUpdate}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeTracker)
	stats, err := service.RunTracker(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, job.ErrorCount)
}

func TestRunTracker_DateFilterAttribute(t *testing.T) {
	cases := []struct {
		name      string
		attribute string
		check     func(t *testing.T, query url.Values)
	}{
		{
			name:      "enrollment date window",
			attribute: "enrollmentDate",
			check: func(t *testing.T, query url.Values) {
				assert.NotEmpty(t, query.Get("programStartDate"))
				assert.NotEmpty(t, query.Get("programEndDate"))
				assert.Empty(t, query.Get("lastUpdatedStartDate"))
			},
		},
		{
			name:      "custom attribute filter",
			attribute: "attrDate99",
			check: func(t *testing.T, query url.Values) {
				require.Len(t, query["filter"], 2)
				assert.True(t, strings.HasPrefix(query["filter"][0], "attrDate99:GE:"))
				assert.True(t, strings.HasPrefix(query["filter"][1], "attrDate99:LE:"))
				assert.Empty(t, query.Get("lastUpdatedStartDate"))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/programs":
					w.Write([]byte(`{
						"programs": [{
							"id": "prg1", "name": "Child health", "programType": "WITH_REGISTRATION",
							"organisationUnits": [{"id": "ou1"}]
						}],
						"pager": {"page": 1, "pageCount": 1}
					}`))
				case "/api/trackedEntityInstances":
					tc.check(t, r.URL.Query())
					w.Write([]byte(`{"trackedEntityInstances": [{"trackedEntity": "tei1"}]}`))
				default:
					t.Errorf("unexpected source path %s", r.URL.Path)
				}
			}))
			dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status": "OK", "bundleReport": {"typeReportMap": {}}}`))
			}))

			config := &models.SyncConfiguration{ID: "cfg1", ImportStrategy: models.ImportStrategyCreateAndUpdate}
			service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())
			service.UseDateFilters(func(programID string) *models.DateFilterAttribute {
				assert.Equal(t, "prg1", programID)
				return &models.DateFilterAttribute{ProgramID: programID, Attribute: tc.attribute}
			})

			job := models.NewSyncJob("cfg1", models.SyncTypeTracker)
			_, err := service.RunTracker(context.Background(), job)
			require.NoError(t, err)
		})
	}
}

func TestRunTracker_NoPrograms(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"programs": [], "pager": {"page": 1, "pageCount": 1}}`))
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no import expected without tracker programs")
	}))

	config := &models.SyncConfiguration{ID: "cfg1", ImportStrategy: models.ImportStrategyCreateAndUpdate}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeTracker)
	_, err := service.RunTracker(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, job.LogMessage, "aucun programme tracker sur la source")
}
