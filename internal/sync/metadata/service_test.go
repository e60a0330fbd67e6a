package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *dhis.Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	instance := &models.Instance{
		ID:       "inst_" + t.Name(),
		Name:     t.Name(),
		BaseURL:  ts.URL,
		Username: "admin",
		Password: "district",
	}
	return dhis.NewClient(instance, dhis.Options{}, arbor.NewLogger())
}

func collection(resource string, items []dhis.Object) []byte {
	payload := map[string]any{
		resource: items,
		"pager":  map[string]any{"page": 1, "pageCount": 1, "total": len(items)},
	}
	data, _ := json.Marshal(payload)
	return data
}

func usersFamilyConfig() *models.SyncConfiguration {
	config := &models.SyncConfiguration{
		ID:            "cfg1",
		Name:          "test pairing",
		SourceID:      "s",
		DestinationID: "d",
		SyncType:      models.SyncTypeMetadata,
		Families:      []string{"users"},
	}
	config.Normalize()
	return config
}

func TestServiceRun_UsersFamilySanitizesAndImports(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/userRoles":
			w.Write(collection("userRoles", []dhis.Object{{"id": "role1", "name": "Data entry"}}))
		case "/api/users":
			w.Write(collection("users", []dhis.Object{
				{"id": "abc", "userRoles": []any{map[string]any{"id": "role1"}}},
			}))
		case "/api/userGroups":
			w.Write(collection("userGroups", []dhis.Object{
				{
					"id": "grp1",
					"sharing": map[string]any{
						"users": map[string]any{
							"abc": map[string]any{"access": "rw------"},
							"xyz": map[string]any{"access": "rw------"},
						},
					},
				},
			}))
		default:
			t.Errorf("unexpected source path %s", r.URL.Path)
		}
	}))

	var posted []string
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Destination directory loads
			switch r.URL.Path {
			case "/api/users":
				w.Write(collection("users", []dhis.Object{{"id": "abc"}}))
			case "/api/userGroups":
				w.Write(collection("userGroups", nil))
			case "/api/userRoles":
				w.Write(collection("userRoles", []dhis.Object{{"id": "role1", "name": "Data entry"}}))
			default:
				t.Errorf("unexpected destination GET %s", r.URL.Path)
			}
			return
		}

		require.Equal(t, "/api/metadata", r.URL.Path)
		assert.Equal(t, "NONE", r.URL.Query().Get("atomicMode"))

		var body map[string][]dhis.Object
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		for resource, items := range body {
			posted = append(posted, resource)

			if resource == "userGroups" {
				// The sanitized payload must no longer name the unknown user
				grants := items[0]["sharing"].(map[string]any)["users"].(map[string]any)
				assert.Len(t, grants, 1)
				assert.Contains(t, grants, "abc")
			}
		}

		w.Write([]byte(`{
			"status": "OK",
			"typeReports": [{"klass": "x", "stats": {"created": 1, "updated": 0, "ignored": 0, "deleted": 0}}]
		}`))
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)

	stats, err := service.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, []string{"userRoles", "users", "userGroups"}, posted, "import rank order")
	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, 3, job.SuccessCount)
	assert.Equal(t, 0, job.ErrorCount)
	assert.Equal(t, 3, job.ProcessedItems)

	assert.Contains(t, job.LogMessage, "=== SYNCHRONISATION MÉTADONNÉES ===")
	assert.Contains(t, job.LogMessage, "--- Famille users (priorité 1) ---")
	assert.Contains(t, job.LogMessage, "userGroups: 1 users invalides, 0 userGroups invalides retirés")
	assert.Contains(t, job.LogMessage, "✓ userGroups: Source=1 | Created=1, Updated=0 | Ignored=0 | Errors=0, Warnings=0")
}

func TestServiceRun_EmptyDestinationKeepsFreshlyImportedReferences(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/userRoles":
			w.Write(collection("userRoles", []dhis.Object{
				{"id": "role9", "name": "Superuser"},
				{"id": "role1", "name": "Data entry clerk"},
			}))
		case "/api/users":
			w.Write(collection("users", []dhis.Object{
				{"id": "abc", "userRoles": []any{map[string]any{"id": "role1"}}},
			}))
		case "/api/userGroups":
			w.Write(collection("userGroups", []dhis.Object{
				{
					"id": "grp1",
					"sharing": map[string]any{
						"users": map[string]any{
							"abc": map[string]any{"access": "rw------"},
							"xyz": map[string]any{"access": "rw------"},
						},
					},
				},
			}))
		default:
			t.Errorf("unexpected source path %s", r.URL.Path)
		}
	}))

	// The destination starts empty and only knows what the run imports
	var mu sync.Mutex
	imported := map[string][]dhis.Object{}

	var postedUserRoles []any
	var postedGrantIDs []string

	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		if r.Method == http.MethodGet {
			resource := r.URL.Path[len("/api/"):]
			w.Write(collection(resource, imported[resource]))
			return
		}

		require.Equal(t, "/api/metadata", r.URL.Path)
		var body map[string][]dhis.Object
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		created := 0
		for resource, items := range body {
			imported[resource] = append(imported[resource], items...)
			created += len(items)

			switch resource {
			case "users":
				roles, _ := items[0]["userRoles"].([]any)
				postedUserRoles = roles
			case "userGroups":
				grants := items[0]["sharing"].(map[string]any)["users"].(map[string]any)
				for id := range grants {
					postedGrantIDs = append(postedGrantIDs, id)
				}
			}
		}

		fmt.Fprintf(w, `{
			"status": "OK",
			"typeReports": [{"klass": "x", "stats": {"created": %d, "updated": 0, "ignored": 0, "deleted": 0}}]
		}`, created)
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)

	_, err := service.Run(context.Background(), job)
	require.NoError(t, err)

	// The role imported one resource earlier must survive the user cleanup
	require.Len(t, postedUserRoles, 1)
	assert.Equal(t, "role1", postedUserRoles[0].(map[string]any)["id"])
	assert.NotContains(t, job.LogMessage, "rôles invalides retirés")

	// The user imported one resource earlier must survive the sharing cleanup
	assert.Equal(t, []string{"abc"}, postedGrantIDs)
	assert.Contains(t, job.LogMessage, "userGroups: 1 users invalides, 0 userGroups invalides retirés")
}

func TestServiceRun_MissingResourceIsEmptySuccess(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "no such resource"}`, http.StatusNotFound)
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			resource := r.URL.Path[len("/api/"):]
			w.Write(collection(resource, nil))
			return
		}
		t.Error("nothing to import when the source has no objects")
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)

	stats, err := service.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, dhis.ImportStats{}, stats)
	assert.Equal(t, 0, job.ErrorCount)
	assert.Contains(t, job.LogMessage, "✓ users: Source=0 | Created=0, Updated=0 | Ignored=0 | Errors=0, Warnings=0")
}

func TestServiceRun_EntitySelectionRestrictsImport(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path[len("/api/"):]
		if resource == "users" {
			w.Write(collection("users", []dhis.Object{{"id": "abc"}, {"id": "def"}}))
			return
		}
		w.Write(collection(resource, nil))
	}))

	var postedUsers []dhis.Object
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			resource := r.URL.Path[len("/api/"):]
			w.Write(collection(resource, nil))
			return
		}
		var body map[string][]dhis.Object
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		postedUsers = body["users"]
		w.Write([]byte(`{"status": "OK", "typeReports": [{"stats": {"created": 1}}]}`))
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	service.UseEntitySelection(func(resource string) map[string]bool {
		if resource == "users" {
			return map[string]bool{"abc": true}
		}
		return nil
	})

	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)
	_, err := service.Run(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, postedUsers, 1)
	assert.Equal(t, "abc", postedUsers[0]["id"])
	assert.Contains(t, job.LogMessage, "users: sélection appliquée (1/2 objets)")
}

func TestServiceRun_VersionFieldsOverrideExtraction(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path[len("/api/"):]
		if resource == "users" {
			assert.Equal(t, "id,name,username", r.URL.Query().Get("fields"))
		}
		w.Write(collection(resource, nil))
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path[len("/api/"):]
		w.Write(collection(resource, nil))
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	service.UseVersionFields(func(resource string) string {
		if resource == "users" {
			return "id,name,username"
		}
		return ""
	})

	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)
	_, err := service.Run(context.Background(), job)
	require.NoError(t, err)
}

func TestServiceRun_AuthFailureIsFatal(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(collection("userRoles", nil))
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{}`, http.StatusUnauthorized)
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)

	_, err := service.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, dhis.IsAuthError(err))
}

func TestServiceRun_CancelledContextStopsPhase(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path[len("/api/"):]
		w.Write(collection(resource, nil))
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path[len("/api/"):]
		w.Write(collection(resource, nil))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)

	_, err := service.Run(ctx, job)
	require.ErrorIs(t, err, context.Canceled)
}

func TestServiceRun_UnavailableDirectoryDisablesCleanup(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path[len("/api/"):]
		w.Write(collection(resource, nil))
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.Error(w, `{}`, http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status": "OK"}`))
	}))

	service := NewService(source, dest, usersFamilyConfig(), nil, arbor.NewLogger())
	job := models.NewSyncJob("cfg1", models.SyncTypeMetadata)

	_, err := service.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, job.LogMessage, "Annuaire destination indisponible, nettoyage du sharing désactivé")
}
