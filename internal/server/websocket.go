package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator API is bound to a trusted interface
	},
}

// logStreamInterval is how often the stream polls the job record
const logStreamInterval = time.Second

// jobLogFrame is one streamed update
type jobLogFrame struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Lines    string  `json:"lines,omitempty"`
	Done     bool    `json:"done"`
}

// handleJobLogStream upgrades /ws/jobs/{id}/logs and pushes appended
// job log lines until the job reaches a terminal state or the client
// disconnects.
func (s *Server) handleJobLogStream(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "logs" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	jobID := parts[0]

	if _, err := s.storage.GetJob(jobID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.Debug().Str("job", jobID).Msg("Job log stream attached")

	// Reader goroutine drains client frames and signals disconnect
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := 0
	ticker := time.NewTicker(logStreamInterval)
	defer ticker.Stop()

	for {
		job, err := s.storage.GetJob(jobID)
		if err != nil {
			return
		}

		frame := jobLogFrame{
			JobID:    job.ID,
			Status:   string(job.Status),
			Progress: job.Progress,
			Done:     !job.IsLive(),
		}
		if len(job.LogMessage) > sent {
			frame.Lines = job.LogMessage[sent:]
			sent = len(job.LogMessage)
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		if frame.Done {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return
		}

		select {
		case <-disconnected:
			return
		case <-ticker.C:
		}
	}
}
