package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/store"
)

//go:embed assets/index.html
var assets embed.FS

// TaskStore is the task repository the handlers use
type TaskStore interface {
	Create(ctx context.Context, name string) (store.Task, error)
	List(ctx context.Context) ([]store.Task, error)
}

type newTask struct {
	Name string `json:"name"`
}

// Server serves the task API, the change stream websocket and metrics
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	logger  *logrus.Logger
}

// New builds the routes. ws handles subscriber upgrades on /ws. tasks may be
// nil.
func New(cfg config.ServerConfig, tasks TaskStore, ws http.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	r := mux.NewRouter()
	r.Use(logRequests(logger))

	// The task API needs Postgres; without a store only the stream is served.
	if tasks != nil {
		h := &handlers{tasks: tasks, logger: logger}
		r.HandleFunc("/task/list", h.listTasks).Methods(http.MethodGet)
		r.HandleFunc("/task/create", h.createTask).Methods(http.MethodPost)
	}
	r.Handle("/ws", ws).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.ServeFileFS(w, req, assets, "assets/index.html")
	}).Methods(http.MethodGet)

	return &Server{cfg: cfg, handler: r, logger: logger}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Request contexts, including those of websocket subscribers, are cancelled
// on shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP server listening on %s", listener.Addr())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server...")
	// Hijacked websocket connections are not tracked by Shutdown.
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

type handlers struct {
	tasks  TaskStore
	logger *logrus.Logger
}

func (h *handlers) createTask(w http.ResponseWriter, req *http.Request) {
	var in newTask
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	task, err := h.tasks.Create(req.Context(), in.Name)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.writeJSON(w, task)
}

func (h *handlers) listTasks(w http.ResponseWriter, req *http.Request) {
	tasks, err := h.tasks.List(req.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	h.writeJSON(w, tasks)
}

// internalError reports err to the client verbatim
func (h *handlers) internalError(w http.ResponseWriter, err error) {
	h.logger.Errorf("Request failed: %v", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("Failed to write response: %v", err)
	}
}

func logRequests(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			logger.WithFields(logrus.Fields{
				"method":   req.Method,
				"path":     req.URL.Path,
				"remote":   req.RemoteAddr,
				"duration": time.Since(start),
			}).Debug("Handled request")
		})
	}
}
