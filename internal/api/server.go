// Package api serves the boothd control API over a unix socket. It is the
// operator surface for the kiosk: status, recent application output,
// metrics, and restart/stop requests.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selfie-booth/boothd/internal/supervisor"
)

const defaultLogLines = 100

// Controller is what the API needs from the supervisor.
type Controller interface {
	Status() supervisor.Status
	Logs(n int) []string
	RequestRestart()
	RequestStop()
}

// Server serves the control API.
type Server struct {
	ctrl     Controller
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a control API server backed by the given controller.
func NewServer(ctrl Controller) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: slog.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("GET /v1/logs", s.logs)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("POST /v1/restart", s.restart)
	mux.HandleFunc("POST /v1/stop", s.stop)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{Handler: mux}
	return s
}

// ListenUnix serves on a unix socket until Shutdown.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("control API listening", "socket", path)
	return s.server.Serve(ln)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if q := r.URL.Query().Get("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}
	lines := s.ctrl.Logs(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.RequestRestart()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
