package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/middleware"
	"github.com/rpattn/biosurvey/internal/schema"
	"github.com/rpattn/biosurvey/internal/siteloader"

	"github.com/google/uuid"
)

// BatchHeader carries the batch ID of upload and bulk responses.
const BatchHeader = "X-Ingestion-Batch"

// Handler exposes ingestion over HTTP.
type Handler struct {
	service        *Service
	maxUploadBytes int64
}

// NewHTTPHandler wraps the service. maxUploadMB bounds multipart uploads.
func NewHTTPHandler(service *Service, maxUploadMB int64) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &Handler{service: service, maxUploadBytes: maxUploadMB << 20}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /projects", h.listProjects)
	mux.HandleFunc("POST /projects", h.createProject)
	mux.HandleFunc("GET /projects/{id}/datasets", h.listDatasets)
	mux.HandleFunc("POST /projects/{id}/datasets", h.createDataset)
	mux.HandleFunc("GET /projects/{id}/sites", h.listSites)
	mux.HandleFunc("POST /datasets/{id}/upload", h.upload)
	mux.HandleFunc("POST /datasets/{id}/records", h.bulkCreate)
	mux.HandleFunc("GET /datasets/{id}/records", h.listRecords)
	mux.HandleFunc("GET /datasets/{id}/ingestion-logs", h.listIngestionLogs)
	mux.HandleFunc("PUT /records/{id}", h.updateRecord)
	mux.HandleFunc("GET /statistics", h.statistics)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	dataset, ok := h.loadDataset(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	format, err := DetectFormat(header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusBadRequest)
		return
	}

	source, err := NewFileSource(header.Filename, format, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := Options{
		Strict:     formBool(r, "strict"),
		CreateSite: formBool(r, "create_site"),
	}
	if formBool(r, "delete_previous") {
		if _, err := h.service.ClearDataset(r.Context(), dataset.ID); err != nil {
			log.Printf("[INGEST] delete_previous failed for dataset %d: %v", dataset.ID, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	summary, err := h.service.Ingest(r.Context(), dataset, source, opts)
	h.writeSummary(w, summary, err, http.StatusOK)
}

type bulkItem struct {
	Data map[string]any `json:"data"`
}

func (h *Handler) bulkCreate(w http.ResponseWriter, r *http.Request) {
	dataset, ok := h.loadDataset(w, r)
	if !ok {
		return
	}

	var items []bulkItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest)
		return
	}
	rows := make([]map[string]any, len(items))
	for i, item := range items {
		rows[i] = item.Data
	}

	opts := Options{
		Strict:     queryBool(r, "strict"),
		CreateSite: queryBool(r, "create_site"),
	}
	summary, err := h.service.IngestBulk(r.Context(), dataset, rows, opts)
	h.writeSummary(w, summary, err, http.StatusCreated)
}

func (h *Handler) updateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var item bulkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest)
		return
	}

	opts := Options{Strict: queryBool(r, "strict"), CreateSite: queryBool(r, "create_site")}
	outcome, record, err := h.service.Update(r.Context(), id, item.Data, opts)
	switch {
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrDatasetNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(outcome.Errors) > 0 {
		writeJSON(w, http.StatusBadRequest, outcome)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type recordView struct {
	Record domain.Record `json:"record"`
	Site   *domain.Site  `json:"site"`
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	dataset, ok := h.loadDataset(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 200)
	offset := queryInt(r, "offset", 0)
	records, total, err := h.service.store.Records().ListByDataset(r.Context(), dataset.ID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	siteIDs := make([]int64, 0, len(records))
	for _, record := range records {
		if record.SiteID != nil {
			siteIDs = append(siteIDs, *record.SiteID)
		}
	}

	var siteMap map[int64]domain.Site
	if len(siteIDs) > 0 {
		loader := middleware.SiteLoaderFromContext(r.Context())
		if loader == nil {
			loader = siteloader.NewSiteLoader(h.service.store.Sites())
		}
		if siteMap, err = loader.LoadMany(r.Context(), siteIDs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	views := make([]recordView, len(records))
	for i, record := range records {
		views[i] = recordView{Record: record}
		if record.SiteID != nil {
			if site, found := siteMap[*record.SiteID]; found {
				views[i].Site = &site
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": views,
		"total":   total,
	})
}

func (h *Handler) listIngestionLogs(w http.ResponseWriter, r *http.Request) {
	dataset, ok := h.loadDataset(w, r)
	if !ok {
		return
	}

	var batchID *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("batch")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid batch id: %v", err), http.StatusBadRequest)
			return
		}
		batchID = &parsed
	}

	entries, err := h.service.store.IngestionLogs().List(r.Context(), dataset.ID, batchID, queryInt(r, "limit", 200), queryInt(r, "offset", 0))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.service.store.Projects().List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) listDatasets(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}
	datasets, err := h.service.store.Datasets().ListByProject(r.Context(), projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (h *Handler) listSites(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}
	sites, err := h.service.store.Sites().ListByProject(r.Context(), projectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

type projectRequest struct {
	Title    string `json:"title"`
	Code     string `json:"code"`
	Timezone string `json:"timezone"`
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest)
		return
	}
	project := domain.NewProject(req.Title, req.Code, req.Timezone)
	if project.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if project.Timezone != "" {
		if _, err := time.LoadLocation(project.Timezone); err != nil {
			http.Error(w, fmt.Sprintf("invalid timezone: %v", err), http.StatusBadRequest)
			return
		}
	}

	created, err := h.service.store.Projects().Create(r.Context(), project)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type datasetRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Type        string                  `json:"type"`
	Schema      domain.SchemaDescriptor `json:"schema"`
}

func (h *Handler) createDataset(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req datasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest)
		return
	}
	datasetType, err := domain.ParseDatasetType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := schema.ValidateDescriptor(req.Schema); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dataset := domain.NewDataset(projectID, req.Name, datasetType, req.Schema)
	dataset.Description = strings.TrimSpace(req.Description)
	if dataset.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	created, err := h.service.store.Datasets().Create(r.Context(), dataset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) loadDataset(w http.ResponseWriter, r *http.Request) (domain.Dataset, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return domain.Dataset{}, false
	}
	dataset, err := h.service.Dataset(r.Context(), id)
	if errors.Is(err, ErrDatasetNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return domain.Dataset{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return domain.Dataset{}, false
	}
	return dataset, true
}

// writeSummary answers with the per-row outcomes: okStatus when every row was
// accepted, 400 when any row has errors, 500 with the partial outcomes when
// the batch aborted.
func (h *Handler) writeSummary(w http.ResponseWriter, summary Summary, err error, okStatus int) {
	if summary.BatchID != uuid.Nil {
		w.Header().Set(BatchHeader, summary.BatchID.String())
	}
	if err != nil {
		log.Printf("[INGEST] batch aborted: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"results": summary.Outcomes,
		})
		return
	}

	status := okStatus
	if summary.HasErrors() {
		status = http.StatusBadRequest
	}
	outcomes := summary.Outcomes
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	writeJSON(w, status, outcomes)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, fmt.Sprintf("invalid id %q", r.PathValue("id")), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func formBool(r *http.Request, key string) bool {
	return parseBool(r.FormValue(key))
}

func queryBool(r *http.Request, key string) bool {
	return parseBool(r.URL.Query().Get(key))
}

func parseBool(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
