// Package api exposes the scheduler over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/scheduler"
)

type Tasks interface {
	Submit(domain.TaskParameters) (string, error)
	Status(id string) (domain.TaskRecord, error)
	List() []domain.TaskRecord
	Cancel(id string) error
	Stats() scheduler.Stats
}

type Handler struct {
	tasks Tasks
	log   *zap.Logger
}

func NewRouter(tasks Tasks, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{tasks: tasks, log: log}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	rtr.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", h.submit)
		r.Get("/tasks", h.list)
		r.Get("/tasks/{id}", h.status)
		r.Post("/tasks/{id}/cancel", h.cancel)
		r.Get("/stats", h.stats)
	})
	return rtr
}

// submitRequest carries dates as YYYY-MM-DD.
type submitRequest struct {
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	DepartureDate string   `json:"departure_date"`
	ReturnDate    string   `json:"return_date"`
	CabinClasses  []string `json:"cabin_classes"`
	MaxAttempts   int      `json:"max_attempts"`
}

func (req submitRequest) params() (domain.TaskParameters, error) {
	p := domain.TaskParameters{
		Origin:       strings.ToUpper(strings.TrimSpace(req.Origin)),
		Destination:  strings.ToUpper(strings.TrimSpace(req.Destination)),
		CabinClasses: req.CabinClasses,
		MaxAttempts:  req.MaxAttempts,
	}
	var err error
	if req.DepartureDate != "" {
		if p.DepartureDate, err = time.Parse(time.DateOnly, req.DepartureDate); err != nil {
			return p, errors.Wrap(domain.ErrValidation, "departure_date must be YYYY-MM-DD")
		}
	}
	if req.ReturnDate != "" {
		if p.ReturnDate, err = time.Parse(time.DateOnly, req.ReturnDate); err != nil {
			return p, errors.Wrap(domain.ErrValidation, "return_date must be YYYY-MM-DD")
		}
	}
	return p, nil
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	p, err := req.params()
	if err != nil {
		h.fail(w, err)
		return
	}
	id, err := h.tasks.Submit(p)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tasks.List())
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tasks.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.tasks.Cancel(id); err != nil {
		h.fail(w, err)
		return
	}
	rec, err := h.tasks.Status(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tasks.Stats())
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrTaskFinished):
		writeError(w, http.StatusConflict, err)
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
