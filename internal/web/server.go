package web

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/patchpilot/patchpilot/internal/artifact"
	"github.com/patchpilot/patchpilot/internal/engine"
	"github.com/patchpilot/patchpilot/internal/registry"
)

// Server is the JSON API over the run registry and the engine operations.
type Server struct {
	eng   *engine.Engine
	reg   *registry.Registry
	blobs *artifact.Store
	addr  string
	log   *slog.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(eng *engine.Engine, reg *registry.Registry, blobs *artifact.Store, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{eng: eng, reg: reg, blobs: blobs, addr: addr, log: log}
}

// Handler builds the route mux. Split out from Start for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.routeRun)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start registers routes and starts listening.
func (s *Server) Start() error {
	s.log.Info("api listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRuns(w, r)
	case http.MethodPost:
		s.handleCreateRun(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetRun(w, r, runID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteRun(w, r, runID)
	case len(parts) == 2 && r.Method == http.MethodGet && parts[1] == "steps":
		s.handleSteps(w, r, runID)
	case len(parts) == 2 && r.Method == http.MethodGet && parts[1] == "artifacts":
		s.handleArtifacts(w, r, runID)
	case len(parts) == 2 && r.Method == http.MethodGet && parts[1] == "signals":
		s.handleSignals(w, r, runID)
	case len(parts) == 2 && r.Method == http.MethodGet && parts[1] == "events":
		s.handleEvents(w, r, runID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleAction(w, r, runID, parts[1])
	case len(parts) == 4 && r.Method == http.MethodGet && parts[1] == "artifacts" && parts[3] == "content":
		s.handleArtifactContent(w, r, runID, parts[2])
	default:
		http.NotFound(w, r)
	}
}
