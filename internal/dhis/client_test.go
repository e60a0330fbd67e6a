package dhis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/models"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	instance := &models.Instance{
		ID:       "inst_test",
		Name:     "test",
		BaseURL:  ts.URL,
		Username: "admin",
		Password: "district",
	}
	return NewClient(instance, Options{}, arbor.NewLogger()), ts
}

func TestClient_SystemInfo(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/system/info", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "district", pass)
		json.NewEncoder(w).Encode(SystemInfo{Version: "2.40.1", SystemName: "Demo"})
	}))

	info, err := client.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.40.1", info.Version)
}

func TestClient_GetMetadata_FollowsPager(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dataElements", r.URL.Path)
		assert.Equal(t, "id,name", r.URL.Query().Get("fields"))
		assert.Equal(t, "2", r.URL.Query().Get("pageSize"))

		switch r.URL.Query().Get("page") {
		case "1":
			w.Write([]byte(`{
				"pager": {"page": 1, "pageCount": 2, "pageSize": 2, "total": 3},
				"dataElements": [{"id": "de1"}, {"id": "de2"}]
			}`))
		case "2":
			w.Write([]byte(`{
				"pager": {"page": 2, "pageCount": 2, "pageSize": 2, "total": 3},
				"dataElements": [{"id": "de3"}]
			}`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))

	objects, err := client.GetMetadata(context.Background(), "dataElements", "id,name", 2)
	require.NoError(t, err)
	require.Len(t, objects, 3)
	assert.Equal(t, "de3", objects[2]["id"])
}

func TestClient_GetMetadata_NotFound(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "not here"}`, http.StatusNotFound)
	}))

	_, err := client.GetMetadata(context.Background(), "eventReports", "id", 50)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAuthError(err))
}

func TestClient_GetMetadata_AuthRejected(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{}`, http.StatusUnauthorized)
	}))

	_, err := client.GetMetadata(context.Background(), "dataElements", "id", 50)
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestClient_PostMetadata_QueryAndConflictBody(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/metadata", r.URL.Path)
		assert.Equal(t, "NONE", r.URL.Query().Get("atomicMode"))
		assert.Equal(t, "CREATE_AND_UPDATE", r.URL.Query().Get("importStrategy"))
		assert.Equal(t, "MERGE", r.URL.Query().Get("mergeMode"))
		assert.Empty(t, r.URL.Query().Get("skipSharing"))

		var body map[string][]Object
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body["dataElements"], 1)

		// Partial failure: full report on a 409
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{
			"status": "WARNING",
			"typeReports": [{"klass": "x", "stats": {"created": 0, "updated": 1, "ignored": 1, "deleted": 0}}]
		}`))
	}))

	report, err := client.PostMetadata(context.Background(), "dataElements",
		[]Object{{"id": "de1"}}, models.ImportStrategyCreateAndUpdate, models.MergeModeMerge, false)
	require.NoError(t, err)

	stats := report.Stats()
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Ignored)
	assert.Equal(t, 0, stats.Errors)
}

func TestClient_PostMetadata_SkipSharing(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("skipSharing"))
		w.Write([]byte(`{"status": "OK"}`))
	}))

	_, err := client.PostMetadata(context.Background(), "visualizations",
		[]Object{{"id": "viz1"}}, models.ImportStrategyCreateAndUpdate, models.MergeModeMerge, true)
	require.NoError(t, err)
}

func TestClient_CountSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dataElements", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "lastUpdated:gt:2026-03-01T10:30:00", r.URL.Query().Get("filter"))
		w.Write([]byte(`{"pager": {"page": 1, "pageCount": 9, "pageSize": 1, "total": 17}}`))
	}))

	total, err := client.CountSince(context.Background(), "dataElements", since)
	require.NoError(t, err)
	assert.Equal(t, 17, total)
}

func TestClient_HasDataValueAudits(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"dataValueAudits": []}`))
		}))
		supported, err := client.HasDataValueAudits(context.Background())
		require.NoError(t, err)
		assert.True(t, supported)
	})

	t.Run("absent endpoint", func(t *testing.T) {
		client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{}`, http.StatusNotFound)
		}))
		supported, err := client.HasDataValueAudits(context.Background())
		require.NoError(t, err)
		assert.False(t, supported)
	})
}

func TestClient_ImportTrackerBundle_LegacyFallback(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tracker":
			http.Error(w, `{}`, http.StatusNotFound)
		case "/api/trackedEntityInstances":
			w.Write([]byte(`{"response": {"importSummary": {"importCount": {"imported": 2}}}}`))
		case "/api/enrollments":
			w.Write([]byte(`{"response": {"importSummary": {"importCount": {"imported": 1}}}}`))
		case "/api/events":
			w.Write([]byte(`{"response": {"importSummary": {"importCount": {"imported": 4}}}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	bundle := &TrackerBundle{
		TrackedEntities: []Object{{"trackedEntity": "t1"}, {"trackedEntity": "t2"}},
		Enrollments:     []Object{{"enrollment": "e1"}},
		Events:          []Object{{"event": "ev1"}, {"event": "ev2"}, {"event": "ev3"}, {"event": "ev4"}},
	}

	report, err := client.ImportTrackerBundle(context.Background(), bundle, models.ImportStrategyCreateAndUpdate)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TypeStats("TRACKED_ENTITY").Created)
	assert.Equal(t, 1, report.TypeStats("ENROLLMENT").Created)
	assert.Equal(t, 4, report.TypeStats("EVENT").Created)
}

func TestTrackerBundle_Size(t *testing.T) {
	bundle := &TrackerBundle{
		TrackedEntities: []Object{{}, {}},
		Enrollments:     []Object{{}},
		Events:          []Object{{}, {}, {}},
	}
	assert.Equal(t, 6, bundle.Size())
}
