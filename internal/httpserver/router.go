// Package httpserver exposes the pipeline and analysis workflows over HTTP.
// Handlers return errors, which a small adapter maps onto status codes and a
// single structured JSON error body; analysis failures never produce partial
// payloads.
package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"neuropipe/internal/store"
	"neuropipe/pkg/analysis"
	"neuropipe/pkg/pipeline"
)

// Router wires the HTTP surface to the application services.
type Router struct {
	store       store.Store
	coordinator *pipeline.Coordinator
	analysis    *analysis.Service
}

// NewRouter builds the chi handler tree. frontendURL is the single origin
// allowed by CORS.
func NewRouter(st store.Store, coord *pipeline.Coordinator, svc *analysis.Service, frontendURL string) http.Handler {
	r := &Router{store: st, coordinator: coord, analysis: svc}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{frontendURL},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.Route("/api/v1", func(rt chi.Router) {
		rt.Get("/subjects", r.wrap(r.handleSubjects))
		rt.Get("/subjects/{id}", r.wrap(r.handleSubject))
		rt.Get("/scans", r.wrap(r.handleScans))
		rt.Get("/scans/{id}", r.wrap(r.handleScan))
		rt.Get("/scans/{id}/qc", r.wrap(r.handleQCReport))

		rt.Post("/pipeline/batch", r.wrap(r.handleProcessBatch))

		rt.Get("/analysis/volume", r.wrap(r.handleVolumeAnalysis))
		rt.Get("/analysis/correlation", r.wrap(r.handleCorrelationAnalysis))
		rt.Get("/analysis/longitudinal/{subjectID}", r.wrap(r.handleLongitudinalAnalysis))
		rt.Get("/analysis/classification", r.wrap(r.handleClassificationAnalysis))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps handler errors onto status codes and one structured error body.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, analysis.ErrUnknownFactor):
			status = http.StatusBadRequest
		case errors.Is(err, analysis.ErrInsufficientData):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, store.ErrScanNotFound),
			errors.Is(err, store.ErrSubjectNotFound),
			errors.Is(err, sql.ErrNoRows):
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(req *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(req, name), 10, 64)
}

// GET /api/v1/subjects
func (r *Router) handleSubjects(w http.ResponseWriter, req *http.Request) error {
	subjects, err := r.store.Subjects(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, subjects)
	return nil
}

// GET /api/v1/subjects/{id}
func (r *Router) handleSubject(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "id")
	if err != nil {
		return store.ErrSubjectNotFound
	}
	subject, err := r.store.Subject(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, subject)
	return nil
}

// GET /api/v1/scans
func (r *Router) handleScans(w http.ResponseWriter, req *http.Request) error {
	scans, err := r.store.Scans(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scans)
	return nil
}

// GET /api/v1/scans/{id}
func (r *Router) handleScan(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "id")
	if err != nil {
		return store.ErrScanNotFound
	}
	scan, err := r.store.Scan(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scan)
	return nil
}

// GET /api/v1/scans/{id}/qc
func (r *Router) handleQCReport(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "id")
	if err != nil {
		return store.ErrScanNotFound
	}
	metrics, err := r.coordinator.QCReport(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, metrics)
	return nil
}

// POST /api/v1/pipeline/batch
// Body: {"subject_ids": [1, 2, 3]}
func (r *Router) handleProcessBatch(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		SubjectIDs []int64 `json:"subject_ids"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil
	}

	results, err := r.coordinator.ProcessBatch(req.Context(), body.SubjectIDs)
	if err != nil {
		return err
	}
	if results == nil {
		results = []pipeline.Result{}
	}
	writeJSON(w, http.StatusOK, results)
	return nil
}

// GET /api/v1/analysis/volume?group_by=diagnosis
func (r *Router) handleVolumeAnalysis(w http.ResponseWriter, req *http.Request) error {
	groupBy := req.URL.Query().Get("group_by")
	if groupBy == "" {
		groupBy = analysis.FactorDiagnosis
	}
	payload, err := r.analysis.GetVolumeAnalysis(req.Context(), groupBy)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, payload)
	return nil
}

// GET /api/v1/analysis/correlation
func (r *Router) handleCorrelationAnalysis(w http.ResponseWriter, req *http.Request) error {
	payload, err := r.analysis.GetCorrelationAnalysis(req.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, payload)
	return nil
}

// GET /api/v1/analysis/longitudinal/{subjectID}
func (r *Router) handleLongitudinalAnalysis(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req, "subjectID")
	if err != nil {
		return store.ErrSubjectNotFound
	}
	payload, err := r.analysis.GetLongitudinalAnalysis(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, payload)
	return nil
}

// GET /api/v1/analysis/classification?target=diagnosis
func (r *Router) handleClassificationAnalysis(w http.ResponseWriter, req *http.Request) error {
	payload, err := r.analysis.GetClassificationAnalysis(req.Context(), req.URL.Query().Get("target"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, payload)
	return nil
}
