package export

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
)

// Handler serves dataset CSV downloads.
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the export endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /datasets/{id}/export", h.handleDownload)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, fmt.Sprintf("invalid dataset identifier %q", r.PathValue("id")), http.StatusBadRequest)
		return
	}
	dataset, err := h.service.Dataset(r.Context(), id)
	if errors.Is(err, ErrDatasetNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filename := sanitizeFileComponent(dataset.Name) + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	if _, err := h.service.WriteCSV(r.Context(), dataset, w); err != nil {
		// Headers are already sent; the truncated body is all the client gets.
		log.Printf("[EXPORT] dataset %d failed: %v", dataset.ID, err)
	}
}
