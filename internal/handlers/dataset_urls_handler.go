package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dsregistry/dsregistry/internal/catalog"
	"github.com/dsregistry/dsregistry/internal/errs"
	"github.com/dsregistry/dsregistry/internal/model"
	"github.com/dsregistry/dsregistry/internal/store"
	"github.com/dsregistry/dsregistry/internal/worker"
)

// DatasetURLsHandler exposes the dataset URL catalog: submission, processing
// and extraction triggers, and the query endpoint.
type DatasetURLsHandler struct {
	store  store.Store
	engine *catalog.Engine
	pool   *worker.Pool
	logger *zap.Logger
}

func NewDatasetURLsHandler(st store.Store, engine *catalog.Engine, pool *worker.Pool) *DatasetURLsHandler {
	return &DatasetURLsHandler{store: st, engine: engine, pool: pool}
}

// RegisterRoutes registers the routes for this handler.
func (h *DatasetURLsHandler) RegisterRoutes(router *mux.Router, logger *zap.Logger) {
	h.logger = logger.Named("dataset_urls")
	router.HandleFunc("/api/v2/dataset-urls", h.handleSubmit).Methods("POST")
	router.HandleFunc("/api/v2/dataset-urls", h.handleQuery).Methods("GET")
	router.HandleFunc("/api/v2/dataset-urls/{id:[0-9]+}", h.handleGet).Methods("GET")
	router.HandleFunc("/api/v2/dataset-urls/{id:[0-9]+}/process", h.handleProcess).Methods("POST")
	router.HandleFunc("/api/v2/dataset-urls/{id:[0-9]+}/extract", h.handleExtract).Methods("POST")
	router.HandleFunc("/api/v2/url-metadata/{id:[0-9]+}", h.handleGetMetadata).Methods("GET")
}

// validateDatasetURL checks that a submitted URL is something a clone can be
// attempted against. Dataset sources are commonly https, ssh or plain file
// paths.
func validateDatasetURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ssh", "file", "":
		return nil
	default:
		return fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
}

func (h *DatasetURLsHandler) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateDatasetURL(body.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, created, err := h.store.CreateURL(req.Context(), body.URL)
	if err != nil {
		h.logger.Error("failed to register url", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register url")
		return
	}
	status := http.StatusOK
	if created {
		h.pool.EnqueueProcess(rec.ID)
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, map[string]any{"id": rec.ID, "url": rec.URL})
}

func (h *DatasetURLsHandler) handleGet(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	rec, err := h.store.GetURL(req.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *DatasetURLsHandler) handleProcess(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	if _, err := h.store.GetURL(req.Context(), id); err != nil {
		h.writeLookupError(w, err)
		return
	}
	if !h.pool.EnqueueProcess(id) {
		writeError(w, http.StatusServiceUnavailable, "processing queue is full")
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"id": id, "status": "queued"})
}

func (h *DatasetURLsHandler) handleExtract(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	var body struct {
		Extractor string         `json:"extractor"`
		Params    model.ParamMap `json:"extraction_parameter"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Extractor == "" {
		writeError(w, http.StatusBadRequest, "extractor must not be empty")
		return
	}

	rec, err := h.store.GetURL(req.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	if !rec.Processed {
		writeError(w, http.StatusConflict, "dataset url has not been processed yet")
		return
	}
	if !h.pool.EnqueueExtract(id, body.Extractor, body.Params) {
		writeError(w, http.StatusServiceUnavailable, "processing queue is full")
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"id": id, "extractor": body.Extractor, "status": "queued"})
}

func (h *DatasetURLsHandler) handleGetMetadata(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(w, req)
	if !ok {
		return
	}
	rec, err := h.store.GetMetadata(req.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *DatasetURLsHandler) handleQuery(w http.ResponseWriter, req *http.Request) {
	creq, err := parseQueryRequest(req.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.engine.Query(req.Context(), creq)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidQuery) || errors.Is(err, errs.ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("catalog query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, page)
}

// parseQueryRequest maps query parameters onto a catalog request. Parameter
// names follow the public API: min_*/max_* ranges, earliest_last_update /
// latest_last_update, order_by, order_dir, page, per_page, return_metadata.
func parseQueryRequest(q url.Values) (catalog.Request, error) {
	var creq catalog.Request
	creq.Search = q.Get("search")

	creq.URL = strPtr(q, "url")
	creq.DsID = strPtr(q, "ds_id")
	creq.CachePath = strPtr(q, "cache_path")

	var err error
	ranges := []struct {
		name string
		dst  **int64
	}{
		{"min_annex_key_count", &creq.MinAnnexKeyCount},
		{"max_annex_key_count", &creq.MaxAnnexKeyCount},
		{"min_annexed_files_in_wt_count", &creq.MinAnnexedFilesInWtCount},
		{"max_annexed_files_in_wt_count", &creq.MaxAnnexedFilesInWtCount},
		{"min_annexed_files_in_wt_size", &creq.MinAnnexedFilesInWtSize},
		{"max_annexed_files_in_wt_size", &creq.MaxAnnexedFilesInWtSize},
		{"min_git_objects_kb", &creq.MinGitObjectsKB},
		{"max_git_objects_kb", &creq.MaxGitObjectsKB},
	}
	for _, r := range ranges {
		if *r.dst, err = int64Ptr(q, r.name); err != nil {
			return creq, err
		}
	}

	if creq.EarliestLastUpdate, err = timePtr(q, "earliest_last_update"); err != nil {
		return creq, err
	}
	if creq.LatestLastUpdate, err = timePtr(q, "latest_last_update"); err != nil {
		return creq, err
	}
	if creq.Processed, err = boolPtr(q, "processed"); err != nil {
		return creq, err
	}

	creq.OrderBy = catalog.OrderKey(q.Get("order_by"))
	creq.OrderDir = catalog.OrderDir(q.Get("order_dir"))
	creq.ReturnMetadata = catalog.MetadataReturn(q.Get("return_metadata"))

	if creq.Page, err = intValue(q, "page"); err != nil {
		return creq, err
	}
	if creq.PerPage, err = intValue(q, "per_page"); err != nil {
		return creq, err
	}
	return creq, nil
}

func strPtr(q url.Values, name string) *string {
	if !q.Has(name) {
		return nil
	}
	v := q.Get(name)
	return &v
}

func int64Ptr(q url.Values, name string) (*int64, error) {
	if !q.Has(name) {
		return nil, nil
	}
	n, err := strconv.ParseInt(q.Get(name), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, q.Get(name))
	}
	return &n, nil
}

func intValue(q url.Values, name string) (int, error) {
	if !q.Has(name) {
		return 0, nil
	}
	n, err := strconv.Atoi(q.Get(name))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, q.Get(name))
	}
	return n, nil
}

func boolPtr(q url.Values, name string) (*bool, error) {
	if !q.Has(name) {
		return nil, nil
	}
	b, err := strconv.ParseBool(q.Get(name))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, q.Get(name))
	}
	return &b, nil
}

func timePtr(q url.Values, name string) (*time.Time, error) {
	if !q.Has(name) {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, q.Get(name))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q (want RFC3339)", name, q.Get(name))
	}
	return &t, nil
}

func pathID(w http.ResponseWriter, req *http.Request) (uint, bool) {
	raw := mux.Vars(req)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func (h *DatasetURLsHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "lookup failed")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
