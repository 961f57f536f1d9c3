package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/probe-ota-core/internal/firmware"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "firmware catalog not configured")
		return
	}

	var pt probe.ProductType
	if raw := r.URL.Query().Get("product_type"); raw != "" {
		pt = probe.ParseProductType(raw)
	}

	images, err := s.catalog.List(r.Context(), pt)
	if err != nil {
		s.logger.Error("listing firmware failed", "product_type", pt, "error", err)
		writeInternalError(w, "failed to list firmware")
		return
	}
	if images == nil {
		images = []firmware.Image{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"images": images,
		"count":  len(images),
	})
}

func (s *Server) handleGetFirmware(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "firmware catalog not configured")
		return
	}

	id := chi.URLParam(r, "id")
	img, err := s.catalog.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, firmware.ErrImageNotFound) {
			writeNotFound(w, fmt.Sprintf("firmware image %s not found", id))
			return
		}
		s.logger.Error("getting firmware failed", "image_id", id, "error", err)
		writeInternalError(w, "failed to get firmware")
		return
	}
	writeJSON(w, http.StatusOK, img)
}
