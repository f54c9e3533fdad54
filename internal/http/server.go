// Package http serves the local status API: task listing and control,
// trigger listing and URL submission. Front-ends and scripts attach
// here; the server binds to localhost by default.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/manager"
	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/internal/service"
)

// Server is the local status API server.
type Server struct {
	app    *service.App
	cfg    config.ServerConfig
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates the status server over an assembled app.
func NewServer(app *service.App, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: app, cfg: cfg, logger: logger}
	s.srv = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/pause", s.taskAction(s.app.Manager.Pause))
		r.Post("/tasks/{id}/resume", s.taskAction(s.app.Manager.Resume))
		r.Post("/tasks/{id}/cancel", s.taskAction(s.app.Manager.Cancel))
		r.Delete("/tasks/{id}", s.taskAction(s.app.Manager.Remove))
		r.Get("/triggers", s.handleListTriggers)
		r.Get("/history", s.handleHistory)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("status server listening", slog.String("addr", s.cfg.Address()))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Manager.List())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := models.TaskID(chi.URLParam(r, "id"))
	snap, err := s.app.Manager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// submitRequest is the POST /api/tasks body.
type submitRequest struct {
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	opts := models.SubmitOptions{
		Name:      req.Name,
		OutputDir: req.OutputDir,
		Priority:  parsePriority(req.Priority),
	}

	id, err := s.app.SubmitURL(r.Context(), req.URL, opts)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": string(id)})
}

// taskAction adapts a manager operation into a handler.
func (s *Server) taskAction(op func(models.TaskID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := models.TaskID(chi.URLParam(r, "id"))
		if err := op(id); err != nil {
			status := http.StatusConflict
			if errors.Is(err, manager.ErrUnknownTask) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if s.app.Scheduler == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.app.Scheduler.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.app.RecentHistory(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []*models.TaskHistory{}
	}
	writeJSON(w, http.StatusOK, records)
}

// parsePriority maps the wire value onto a priority class, defaulting
// to normal.
func parsePriority(s string) models.Priority {
	switch s {
	case "high":
		return models.PriorityHigh
	case "low":
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
