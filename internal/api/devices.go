package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pettracer-community/bridge/internal/device"
)

// handleListDevices returns all cached devices, ordered by id.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.cache.Snapshot(),
	})
}

// handleGetDevice returns a single cached device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.cache.Get(id)
	if !ok {
		writeNotFound(w, "unknown device "+id)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// setModeRequest is the body of POST /api/devices/{id}/mode.
type setModeRequest struct {
	Mode *int `json:"mode"`
}

// toggleRequest is the body of the LED and buzzer endpoints.
type toggleRequest struct {
	On *bool `json:"on"`
}

// handleSetMode forwards a mode change to the vendor cloud. The cache
// is not updated here; the realtime delta confirms the change.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.commandTarget(w, r)
	if !ok {
		return
	}

	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mode == nil {
		writeBadRequest(w, "body must be {\"mode\": <int>}")
		return
	}

	if err := s.commander.SetMode(r.Context(), id, device.Mode(*req.Mode)); err != nil {
		s.logger.Error("set mode failed", "device_id", id, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "vendor command failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSetLED forwards an LED toggle to the vendor cloud.
func (s *Server) handleSetLED(w http.ResponseWriter, r *http.Request) {
	id, ok := s.commandTarget(w, r)
	if !ok {
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		writeBadRequest(w, "body must be {\"on\": <bool>}")
		return
	}

	if err := s.commander.SetLED(r.Context(), id, *req.On); err != nil {
		s.logger.Error("set led failed", "device_id", id, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "vendor command failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSetBuzzer forwards a buzzer toggle to the vendor cloud.
func (s *Server) handleSetBuzzer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.commandTarget(w, r)
	if !ok {
		return
	}

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		writeBadRequest(w, "body must be {\"on\": <bool>}")
		return
	}

	if err := s.commander.SetBuzzer(r.Context(), id, *req.On); err != nil {
		s.logger.Error("set buzzer failed", "device_id", id, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeInternal, "vendor command failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// commandTarget validates that commands can be served and that the
// target device exists, returning its id.
func (s *Server) commandTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.commander == nil {
		writeUnavailable(w, "command forwarding not configured")
		return "", false
	}
	id := chi.URLParam(r, "id")
	if _, ok := s.cache.Get(id); !ok {
		writeNotFound(w, "unknown device "+id)
		return "", false
	}
	return id, true
}
