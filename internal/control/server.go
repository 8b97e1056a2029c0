// Package control serves the daemon's HTTP API and provides the client the
// CLI uses to reach it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/drewfead/triage/internal/logging"
	"github.com/drewfead/triage/internal/manager"
)

// ServerOptions configure a Server.
type ServerOptions struct {
	Addr              string
	CORSOrigins       []string
	ReadHeaderTimeout time.Duration
	Logger            *slog.Logger
}

// Server is the HTTP control plane.
type Server struct {
	sessions Sessions
	opts     ServerOptions
	logger   *slog.Logger
	router   *mux.Router
	handler  http.Handler
	started  time.Time

	srv      *http.Server
	listener net.Listener
}

// NewServer creates a server backed by sessions.
func NewServer(sessions Sessions, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("control")
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	s := &Server{
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		router:   mux.NewRouter(),
		started:  time.Now().UTC(),
	}
	s.registerRoutes()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		ExposedHeaders: []string{SessionIDHeader},
	})
	s.handler = s.recoverPanics(s.logRequests(c.Handler(s.router)))
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/sessions/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	s.logger.Info("control server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open event streams end when their runs reach a terminal event.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess, b, err := s.sessions.Create(req.Input, req.Scenario)
	switch {
	case errors.Is(err, manager.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, manager.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger := s.logger.With("session_id", sess.ID())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := b.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// The client went away; the run carries on without a consumer.
			logger.Info("event stream detached", "reason", err)
			b.Detach()
			return
		}
		if err := writeEvent(w, ev); err != nil {
			logger.Warn("write event failed", "event", ev.Type, "error", err)
			b.Detach()
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	scenario := r.URL.Query().Get("scenario")
	writeJSON(w, http.StatusOK, SessionList{Sessions: s.sessions.ListAll(scenario)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list := s.sessions.ListAllWithHistory(r.Context(), q.Get("scenario"), limit)
	writeJSON(w, http.StatusOK, SessionList{Sessions: list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, src, err := s.sessions.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, manager.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session "+id+" not found")
		return
	case err != nil:
		s.logger.Error("lookup session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: doc, Source: src})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch err := s.sessions.Cancel(id); {
	case errors.Is(err, manager.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session "+id+" not found")
	case errors.Is(err, manager.ErrSessionTerminal):
		writeError(w, http.StatusConflict, "session "+id+" already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, CancelResponse{ID: id, Status: "cancelling"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Stats()
	writeJSON(w, http.StatusOK, Health{
		Status:    "ok",
		Active:    st.Active,
		Grace:     st.Grace,
		Recent:    st.Recent,
		Dirty:     st.Dirty,
		StartedAt: s.started,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
