// Package server exposes the store's write/read/search contract over
// HTTP for the routing layer to mount. Authentication and session
// handling live outside this module.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/internal/compartment"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/jobs"
	"github.com/openclin/recordstore/internal/query"
	"github.com/openclin/recordstore/internal/store"
	"github.com/openclin/recordstore/pkg/document"
)

// Server bundles the request-path services behind a chi router.
type Server struct {
	records      *store.Store
	engine       *query.Engine
	compartments *compartment.Indexer
	jobStore     *jobs.Store
	logger       *slog.Logger
}

// New creates a server over the given services.
func New(records *store.Store, engine *query.Engine, compartments *compartment.Indexer, jobStore *jobs.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		records:      records,
		engine:       engine,
		compartments: compartments,
		jobStore:     jobStore,
		logger:       logger,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-Match"},
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/records/{type}", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleSearch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleRead)
			r.Put("/", s.handleUpdate)
			r.Delete("/", s.handleDelete)
			r.Get("/_history", s.handleHistory)
			r.Get("/_history/{version}", s.handleReadVersion)
		})
	})

	r.Get("/compartments/{type}/{id}", s.handleCompartment)

	r.Route("/maintenance/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueueJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{jobId}", s.handleGetJob)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	rec, err := s.records.Create(r.Context(), chi.URLParam(r, "type"), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Read(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}

	var expected *int
	if m := r.Header.Get("If-Match"); m != "" {
		v, err := strconv.Atoi(m)
		if err != nil {
			s.writeError(w, recordstore.BadRequestf("invalid If-Match version %q", m))
			return
		}
		expected = &v
	}

	rec, err := s.records.Update(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), body, expected)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.records.SoftDelete(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.records.History(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReadVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, recordstore.BadRequestf("invalid version %q", chi.URLParam(r, "version")))
		return
	}
	rec, err := s.records.ReadVersion(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := query.Parse(chi.URLParam(r, "type"), r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompartment(w http.ResponseWriter, r *http.Request) {
	members, err := s.compartments.Members(r.Context(), s.records.DB(),
		chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kind  string `json:"kind"`
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, recordstore.BadRequestf("invalid job request body"))
		return
	}
	kind := schema.JobKind(in.Kind)
	if kind != schema.JobCompartmentRebuild && kind != schema.JobReferenceReconcile {
		s.writeError(w, recordstore.BadRequestf("unknown job kind %q", in.Kind))
		return
	}
	job, err := s.jobStore.Enqueue(kind, in.Scope, "api")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	out, err := s.jobStore.List(schema.JobState(r.URL.Query().Get("state")), 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobStore.Get(chi.URLParam(r, "jobId"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		s.writeError(w, recordstore.ErrNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeError maps the error taxonomy onto HTTP status codes. A version
// conflict gets its own status so callers can distinguish the retryable
// case from every other client error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	payload := map[string]any{"error": err.Error()}

	var verr *recordstore.ValidationError
	switch {
	case errors.Is(err, recordstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, recordstore.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, recordstore.ErrVersionConflict):
		status = http.StatusPreconditionFailed
	case errors.Is(err, recordstore.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		payload["issues"] = verr.Issues
	case errors.Is(err, recordstore.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request) (document.Document, bool) {
	var body document.Document
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
