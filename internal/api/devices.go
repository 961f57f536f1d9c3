package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/probe-ota-core/internal/firmware"
	"github.com/nerrad567/probe-ota-core/internal/ota"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// UpdateRequest is the optional body of POST /devices/{id}/update.
type UpdateRequest struct {
	ImageID string `json:"image_id,omitempty"`
}

// UpdateResponse is returned once an update has started.
type UpdateResponse struct {
	DeviceID probe.ID          `json:"device_id"`
	Image    firmware.Image    `json:"image"`
	State    probe.DeviceState `json:"state"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.updater.Devices()
	if pt := r.URL.Query().Get("product_type"); pt != "" {
		want := probe.ParseProductType(pt)
		filtered := devices[:0]
		for _, d := range devices {
			if d.ProductType == want {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	info, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleUpdateDevice starts an update. The image is the one named in the
// body, or the newest catalogued image for the device's product type.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	info, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "firmware catalog not configured")
		return
	}

	var (
		img *firmware.Image
		err error
	)
	if req.ImageID != "" {
		img, err = s.catalog.GetByID(r.Context(), req.ImageID)
		if err == nil && img.ProductType != info.ProductType {
			writeBadRequest(w, fmt.Sprintf("image %s is for %s, device is %s", img.ID, img.ProductType, info.ProductType))
			return
		}
	} else {
		img, err = s.catalog.Resolve(r.Context(), info.ProductType)
	}
	if err != nil {
		if !writeUpdateError(w, err) {
			s.logger.Error("resolving firmware failed", "device_id", info.ID, "error", err)
			writeInternalError(w, "failed to resolve firmware")
		}
		return
	}

	st, err := s.updater.PerformUpdate(info.ID, img.DFU())
	if err != nil {
		if !writeUpdateError(w, err) {
			s.logger.Error("starting update failed", "device_id", info.ID, "error", err)
			writeInternalError(w, "failed to start update")
		}
		return
	}

	s.watchDevice(info.ID, st)
	state, _ := st.Value()
	s.logger.Info("update started via API",
		"device_id", info.ID,
		"image_id", img.ID,
		"version", img.Version,
		"request_id", requestID(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, UpdateResponse{
		DeviceID: info.ID,
		Image:    *img,
		State:    state,
	})
}

func (s *Server) handleAbortDevice(w http.ResponseWriter, r *http.Request) {
	info, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	aborted := s.updater.Abort(info.ID)
	if !aborted {
		writeError(w, http.StatusConflict, ErrCodeConflict, fmt.Sprintf("no update running for %s", info.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": info.ID,
		"aborted":   true,
	})
}

// lookupDevice resolves the {id} URL parameter, writing 404 when the device
// is not available.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (ota.DeviceInfo, bool) {
	id := probe.ID(chi.URLParam(r, "id"))
	info, ok := s.updater.Device(id)
	if !ok {
		writeNotFound(w, fmt.Sprintf("device %s not found", id))
		return ota.DeviceInfo{}, false
	}
	return info, true
}
