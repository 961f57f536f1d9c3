package api

import (
	"net/http"

	"github.com/nerrad567/probe-ota-core/internal/ota"
)

// StatusResponse describes the orchestrator.
type StatusResponse struct {
	Enabled     bool               `json:"enabled"`
	Updating    bool               `json:"updating"`
	DeviceCount int                `json:"device_count"`
	ActiveRetry *ota.RetryContext  `json:"active_retry,omitempty"`
	Retries     []ota.RetryContext `json:"retries"`
	Clients     int                `json:"websocket_clients"`
	Gateway     *GatewayInfo       `json:"gateway,omitempty"`
}

// GatewayInfo describes the link to the BLE gateway.
type GatewayInfo struct {
	Online          bool   `json:"online"`
	ActiveTransfers int    `json:"active_transfers"`
	DroppedAdverts  uint64 `json:"dropped_adverts"`
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Enabled:     s.updater.Enabled(),
		Updating:    s.updater.Updating(),
		DeviceCount: len(s.updater.Devices()),
		Retries:     s.updater.Retries(),
	}
	if rc, ok := s.updater.ActiveRetry(); ok {
		resp.ActiveRetry = &rc
	}
	if resp.Retries == nil {
		resp.Retries = []ota.RetryContext{}
	}
	if s.hub != nil {
		resp.Clients = s.hub.ClientCount()
	}
	if s.gateway != nil {
		resp.Gateway = &GatewayInfo{
			Online:          s.gateway.GatewayOnline(),
			ActiveTransfers: s.gateway.ActiveAttempts(),
			DroppedAdverts:  s.gateway.DroppedAdverts(),
		}
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleStart enables the orchestrator. Starting an enabled orchestrator
// is not an error; "changed" reports whether anything happened.
func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	changed := s.updater.Start()
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"status":  s.status(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	changed := s.updater.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"status":  s.status(),
	})
}
