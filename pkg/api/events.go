package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Progress is read-only and carries no credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	eventsPollInterval = time.Second
	eventsWriteWait    = 10 * time.Second
)

// handleEvents streams progress snapshots for one job over a websocket.
// The feed closes itself once the job reaches a terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.store.Job(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.Job(r.Context(), jobID)
		if err != nil {
			return
		}
		stages, err := s.store.JobStages(r.Context(), jobID)
		if err != nil {
			return
		}

		snapshot := s.jobView(job)
		snapshot["steps"] = stages
		snapshot["progress"] = analysis.ComputeProgress(stages)
		if current := analysis.CurrentStage(stages); current != nil {
			snapshot["current_step"] = string(current.Name)
		}

		conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}

		if job.State == analysis.JobCompleted || job.State == analysis.JobFailed {
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.State)))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
