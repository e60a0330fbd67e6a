package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/models"
)

// orchestratorStore covers the storage calls one job execution makes;
// everything else panics via the embedded nil interface.
type orchestratorStore struct {
	interfaces.Storage
	instances map[string]*models.Instance
	lastJob   *models.SyncJob
}

func (s *orchestratorStore) GetInstance(id string) (*models.Instance, error) {
	if inst, ok := s.instances[id]; ok {
		return inst, nil
	}
	return nil, fmt.Errorf("no instance %s", id)
}

func (s *orchestratorStore) SaveInstance(*models.Instance) error { return nil }

func (s *orchestratorStore) SaveJob(job *models.SyncJob) error {
	s.lastJob = job
	return nil
}

func (s *orchestratorStore) GetEntitiesByType(configID, entityType string) ([]*models.Entity, error) {
	return nil, nil
}

func (s *orchestratorStore) GetEntityVersion(version, entityType string) (*models.EntityVersion, error) {
	return nil, nil
}

func (s *orchestratorStore) GetDateFilterAttribute(programID string) (*models.DateFilterAttribute, error) {
	return nil, nil
}

// emptyAPIHandler answers the probe and serves an empty collection for
// every other resource.
func emptyAPIHandler(overrides map[string]http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := overrides[r.URL.Path]; ok {
			h(w, r)
			return
		}
		switch r.URL.Path {
		case "/api/system/info":
			w.Write([]byte(`{"version": "2.40.1", "systemName": "demo"}`))
		case "/api/dataValueSets":
			w.Write([]byte(`{"dataValues": []}`))
		default:
			w.Write([]byte(`{"pager": {"page": 1, "pageCount": 1}}`))
		}
	})
}

// aggregateSourceHandler adds the one data set the aggregate scope
// resolution needs. The resolution asks for ids only, which keeps the
// metadata phase seeing an empty collection.
func aggregateSourceHandler() http.Handler {
	return emptyAPIHandler(map[string]http.HandlerFunc{
		"/api/dataSets": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("fields") == "id" {
				w.Write([]byte(`{"dataSets": [{"id": "ds1"}], "pager": {"page": 1, "pageCount": 1}}`))
				return
			}
			w.Write([]byte(`{"pager": {"page": 1, "pageCount": 1}}`))
		},
	})
}

func orchestratorFixture(t *testing.T, sourceHandler, destHandler http.Handler) (*Orchestrator, *orchestratorStore, *models.SyncConfiguration) {
	t.Helper()
	sourceSrv := httptest.NewServer(sourceHandler)
	t.Cleanup(sourceSrv.Close)
	destSrv := httptest.NewServer(destHandler)
	t.Cleanup(destSrv.Close)

	store := &orchestratorStore{instances: map[string]*models.Instance{
		"inst_src": {
			ID: "inst_src", Name: "national", BaseURL: sourceSrv.URL,
			Username: "admin", Password: "district", IsSource: true,
		},
		"inst_dst": {
			ID: "inst_dst", Name: "backup", BaseURL: destSrv.URL,
			Username: "admin", Password: "district", IsDestination: true,
		},
	}}

	config := &models.SyncConfiguration{
		ID:             "cfg1",
		Name:           "pairing",
		SourceID:       "inst_src",
		DestinationID:  "inst_dst",
		SyncType:       models.SyncTypeMetadataAggregate,
		ImportStrategy: models.ImportStrategyCreateAndUpdate,
		MergeMode:      models.MergeModeMerge,
		PageSize:       50,
	}

	return NewOrchestrator(store, common.SyncConfig{}, arbor.NewLogger()), store, config
}

func TestExecute_UnreachableDestinationFailsBeforePhases(t *testing.T) {
	source := emptyAPIHandler(nil)
	dest := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "down for maintenance"}`, http.StatusInternalServerError)
	})

	orchestrator, store, config := orchestratorFixture(t, source, dest)

	job, err := orchestrator.Execute(context.Background(), config, nil)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.LogMessage, "destination backup unreachable")
	assert.NotContains(t, job.LogMessage, "SYNCHRONISATION", "no phase runs against an unreachable instance")
	assert.Same(t, job, store.lastJob, "the terminal state is persisted")
}

func TestExecute_PhasesRunInFixedOrder(t *testing.T) {
	orchestrator, _, config := orchestratorFixture(t, aggregateSourceHandler(), emptyAPIHandler(nil))

	// Requested backwards; execution still goes metadata first
	job, err := orchestrator.Execute(context.Background(), config,
		[]models.Phase{models.PhaseAggregate, models.PhaseMetadata})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Contains(t, job.LogMessage, "Instance source: national (version 2.40.1)")
	assert.Contains(t, job.LogMessage, "Instance destination: backup (version 2.40.1)")

	metadataAt := strings.Index(job.LogMessage, "=== SYNCHRONISATION MÉTADONNÉES ===")
	aggregateAt := strings.Index(job.LogMessage, "=== SYNCHRONISATION DONNÉES AGRÉGÉES ===")
	require.GreaterOrEqual(t, metadataAt, 0)
	require.GreaterOrEqual(t, aggregateAt, 0)
	assert.Less(t, metadataAt, aggregateAt)

	summaryAt := strings.Index(job.LogMessage, "=== RÉSUMÉ ===")
	require.GreaterOrEqual(t, summaryAt, 0)
	assert.Greater(t, summaryAt, aggregateAt)
	assert.Contains(t, job.LogMessage, "metadata: Created=0, Updated=0, Ignored=0, Errors=0")
	assert.Contains(t, job.LogMessage, "aggregate: Created=0, Updated=0, Ignored=0, Errors=0")
	assert.Equal(t, float64(100), job.Progress)
}

func TestExecute_PhaseFailureDoesNotAbortFollowingPhases(t *testing.T) {
	orchestrator, _, config := orchestratorFixture(t, aggregateSourceHandler(), emptyAPIHandler(nil))
	config.Families = []string{"nope"}

	job, err := orchestrator.Execute(context.Background(), config,
		[]models.Phase{models.PhaseMetadata, models.PhaseAggregate})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, job.Status, "one failed phase out of two does not fail the job")
	assert.Contains(t, job.LogMessage, "✗ phase metadata")
	assert.Contains(t, job.LogMessage, "metadata: échec")
	assert.Contains(t, job.LogMessage, "=== SYNCHRONISATION DONNÉES AGRÉGÉES ===")
}

func TestExecute_AllPhasesFailedMarksJobFailed(t *testing.T) {
	orchestrator, _, config := orchestratorFixture(t, emptyAPIHandler(nil), emptyAPIHandler(nil))
	config.SyncType = models.SyncTypeMetadata
	config.Families = []string{"nope"}

	job, err := orchestrator.Execute(context.Background(), config, nil)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, "every phase failed")
	assert.Contains(t, job.LastError, "unknown metadata family: nope")
}

func TestExecute_AuthFailureAbortsRemainingPhases(t *testing.T) {
	dest := emptyAPIHandler(map[string]http.HandlerFunc{
		"/api/users": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "expired session"}`, http.StatusUnauthorized)
		},
	})

	orchestrator, _, config := orchestratorFixture(t, emptyAPIHandler(nil), dest)

	job, err := orchestrator.Execute(context.Background(), config,
		[]models.Phase{models.PhaseMetadata, models.PhaseAggregate})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.NotContains(t, job.LogMessage, "=== SYNCHRONISATION DONNÉES AGRÉGÉES ===",
		"bad credentials abort the job instead of failing phase by phase")
}

func TestExecute_CancellationMarksJobCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// The operator cancels while the metadata phase is under way
	dest := emptyAPIHandler(map[string]http.HandlerFunc{
		"/api/users": func(w http.ResponseWriter, r *http.Request) {
			cancel()
			w.Write([]byte(`{"pager": {"page": 1, "pageCount": 1}}`))
		},
	})

	orchestrator, _, config := orchestratorFixture(t, emptyAPIHandler(nil), dest)

	job, err := orchestrator.Execute(ctx, config, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Contains(t, job.LogMessage, "Job annulé")
	assert.NotContains(t, job.LogMessage, "=== RÉSUMÉ ===")
}
