package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/ha1tch/ledgersync/pkg/models"
)

// handleHealth reports the connection slots. A slot whose last connect
// failed makes the engine degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	slots := s.slots.Status()
	status, code := "ok", http.StatusOK
	for _, slot := range slots {
		if slot.LastError != "" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": config.Version,
		"slots":   slots,
	})
}

// handleVersion returns server version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}

// handleStatus returns every pipeline's watermark and last run
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": s.scheduler.Status(),
	})
}

// handleSync queues a cycle for one stream
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	stream, err := models.ParseStream(chi.URLParam(r, "stream"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	force := false
	if val := r.URL.Query().Get("force"); val != "" {
		force, err = strconv.ParseBool(val)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid force parameter")
			return
		}
	}

	runID, err := s.scheduler.Trigger(stream, force)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	msg := fmt.Sprintf("%s sync queued", stream)
	if force {
		msg = fmt.Sprintf("%s full resync queued", stream)
	}
	s.writeJSON(w, http.StatusAccepted, models.TriggerResponse{
		Status:  "Accepted",
		Message: msg,
		RunID:   runID,
	})
}

// handleSyncAll forces a user resync and queues every other stream
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	runID := s.scheduler.TriggerAll()
	s.writeJSON(w, http.StatusAccepted, models.TriggerResponse{
		Status:  "Accepted",
		Message: "Full sync initiated (forcing user update)",
		RunID:   runID,
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	var resp models.ErrorResponse
	resp.Error.Message = message
	resp.Error.Status = status
	s.writeJSON(w, status, resp)
}
