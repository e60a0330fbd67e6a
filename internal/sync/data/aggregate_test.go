package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
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

func TestRunAggregate_ChunksImports(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dataSets":
			w.Write([]byte(`{"dataSets": [{"id": "ds1"}], "pager": {"page": 1, "pageCount": 1}}`))
		case "/api/dataValueSets":
			assert.Equal(t, "ds1", r.URL.Query().Get("dataSet"))
			assert.NotEmpty(t, r.URL.Query().Get("startDate"))
			values := make([]dhis.Object, 2500)
			for i := range values {
				values[i] = dhis.Object{"dataElement": fmt.Sprintf("de%d", i), "value": "1"}
			}
			json.NewEncoder(w).Encode(map[string]any{"dataValues": values})
		default:
			t.Errorf("unexpected source path %s", r.URL.Path)
		}
	}))

	var posts atomic.Int32
	var lastChunkSize atomic.Int32
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/dataValueSets", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "NONE", r.URL.Query().Get("atomicMode"))
		assert.Equal(t, "false", r.URL.Query().Get("dryRun"))

		var body struct {
			DataValues []dhis.Object `json:"dataValues"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		posts.Add(1)
		lastChunkSize.Store(int32(len(body.DataValues)))

		fmt.Fprintf(w, `{"status": "SUCCESS", "importCount": {"imported": %d, "updated": 0, "ignored": 0, "deleted": 0}}`,
			len(body.DataValues))
	}))

	config := &models.SyncConfiguration{
		ID:             "cfg1",
		SourceID:       "s",
		DestinationID:  "d",
		SyncType:       models.SyncTypeAggregate,
		ImportStrategy: models.ImportStrategyCreateAndUpdate,
	}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeAggregate)
	stats, err := service.RunAggregate(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, int32(3), posts.Load(), "2500 values import as 1000+1000+500")
	assert.Equal(t, int32(500), lastChunkSize.Load())
	assert.Equal(t, 2500, stats.Created)
	assert.Equal(t, 2500, job.SuccessCount)
	assert.Equal(t, 0, job.ErrorCount)
	assert.Contains(t, job.LogMessage, "✓ dataValueSets: Source=2500 | Created=2500, Updated=0 | Ignored=0 | Errors=0, Warnings=0")
}

func TestRunAggregate_EmptySourceIsSuccess(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dataSets":
			w.Write([]byte(`{"dataSets": [{"id": "ds1"}], "pager": {"page": 1, "pageCount": 1}}`))
		case "/api/dataValueSets":
			w.Write([]byte(`{"dataValues": []}`))
		}
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no import expected for an empty extraction")
	}))

	config := &models.SyncConfiguration{ID: "cfg1", ImportStrategy: models.ImportStrategyCreateAndUpdate}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeAggregate)
	stats, err := service.RunAggregate(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, dhis.ImportStats{}, stats)
	assert.Contains(t, job.LogMessage, "✓ dataValueSets: Source=0")
}

func TestRunAggregate_ScopeFallsBackToDataElements(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dataSets":
			w.Write([]byte(`{"dataSets": [], "pager": {"page": 1, "pageCount": 1}}`))
		case "/api/dataElements":
			w.Write([]byte(`{"dataElements": [{"id": "de1"}], "pager": {"page": 1, "pageCount": 1}}`))
		case "/api/dataValueSets":
			assert.Equal(t, "de1", r.URL.Query().Get("dataElement"))
			assert.Empty(t, r.URL.Query().Get("dataSet"))
			w.Write([]byte(`{"dataValues": []}`))
		}
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	config := &models.SyncConfiguration{ID: "cfg1", ImportStrategy: models.ImportStrategyCreateAndUpdate}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeAggregate)
	_, err := service.RunAggregate(context.Background(), job)
	require.NoError(t, err)
}

func TestRunAggregate_ExplicitScope(t *testing.T) {
	source := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dataSets":
			w.Write([]byte(`{"dataSets": [{"id": "ds1"}], "pager": {"page": 1, "pageCount": 1}}`))
		case "/api/dataValueSets":
			assert.Equal(t, []string{"ou1", "ou2"}, r.URL.Query()["orgUnit"])
			assert.Equal(t, []string{"202601"}, r.URL.Query()["period"])
			assert.Empty(t, r.URL.Query().Get("startDate"), "explicit periods suppress the date window")
			w.Write([]byte(`{"dataValues": []}`))
		}
	}))
	dest := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	config := &models.SyncConfiguration{
		ID:             "cfg1",
		ImportStrategy: models.ImportStrategyCreateAndUpdate,
		OrgUnits:       []string{"ou1", "ou2"},
		Periods:        []string{"202601"},
	}
	service := NewService(source, dest, config, common.SyncConfig{}, nil, arbor.NewLogger())

	job := models.NewSyncJob("cfg1", models.SyncTypeAggregate)
	_, err := service.RunAggregate(context.Background(), job)
	require.NoError(t, err)
}
