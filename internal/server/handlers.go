package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/models"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth answers liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports process-level state: version, uptime, running
// monitors and job counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobCounts := make(map[string]int)
	for _, status := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusCompletedWithWarnings,
		models.JobStatusFailed, models.JobStatusRetrying,
		models.JobStatusFailedPermanently, models.JobStatusCancelled,
	} {
		jobs, err := s.storage.ListJobs(interfaces.JobListOptions{Status: status})
		if err != nil {
			continue
		}
		if len(jobs) > 0 {
			jobCounts[string(status)] = len(jobs)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":     common.Version,
		"environment": s.config.Environment,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"monitors":    s.scheduler.Running(),
		"jobs":        jobCounts,
	})
}

// handleInstances lists instances with credentials masked
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	instances, err := s.storage.GetAllInstances()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, instance := range instances {
		instance.Password = ""
		instance.ClientSecret = ""
	}
	s.writeJSON(w, http.StatusOK, instances)
}

// handleConfigs lists replication configurations
func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	configs, err := s.storage.GetAllConfigs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, configs)
}

// handleConfigRoutes dispatches /api/configs/{id}/sync
func (s *Server) handleConfigRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/configs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	if len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost {
		s.handleTriggerSync(w, r, parts[0])
		return
	}
	s.writeError(w, http.StatusNotFound, "not found")
}

// handleTriggerSync starts a manual sync for one configuration. The
// job runs in the background; the response carries its id so the log
// stream can be attached immediately.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request, configID string) {
	config, err := s.storage.GetConfig(configID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if live, err := s.storage.GetLiveJob(configID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if live != nil {
		s.writeError(w, http.StatusConflict, "a job is already running for this configuration")
		return
	}

	job := models.NewSyncJob(config.ID, config.SyncType)
	ctx, cancel := context.WithCancel(context.Background())
	s.trackJob(job.ID, cancel)

	go func() {
		defer s.untrackJob(job.ID)
		defer cancel()
		if _, err := s.orchestrator.ExecuteJob(ctx, config, job, nil); err != nil {
			s.logger.Error().Err(err).Str("config", config.ID).Msg("Manual sync failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

// handleJobs lists jobs, optionally narrowed by configuration and status
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	opts := interfaces.JobListOptions{
		ConfigID: r.URL.Query().Get("config_id"),
		Status:   models.JobStatus(r.URL.Query().Get("status")),
		Limit:    50,
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	jobs, err := s.storage.ListJobs(opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

// handleJobRoutes dispatches /api/jobs/{id} and /api/jobs/{id}/cancel
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		job, err := s.storage.GetJob(parts[0])
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, job)

	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelJob(w, parts[0])

	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

// handleCancelJob cancels a live job: the in-flight context is fired
// when the job was started through the API, and the record transitions
// to CANCELLED either way.
func (s *Server) handleCancelJob(w http.ResponseWriter, jobID string) {
	job, err := s.storage.GetJob(jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !job.IsLive() {
		s.writeError(w, http.StatusConflict, "job is not running")
		return
	}

	fired := s.cancelJob(jobID)
	if !fired {
		// Not started here; the record transition makes the pipelines
		// observe the cancellation at their next persistence point
		job.MarkCancelled()
		job.AppendLog("Job annulé")
		if err := s.storage.SaveJob(job); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.logger.Info().Str("job", jobID).Msg("Job cancellation requested")
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(models.JobStatusCancelled)})
}
