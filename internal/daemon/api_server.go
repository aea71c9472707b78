package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/queue"
)

// QueueListResponse is the body of GET /api/queue.
type QueueListResponse struct {
	Jobs    []*queue.Job   `json:"jobs,omitempty"`
	Batches []*queue.Batch `json:"batches,omitempty"`
}

// BatchDetail is a batch with the jobs it created.
type BatchDetail struct {
	Batch *queue.Batch `json:"batch"`
	Jobs  []*queue.Job `json:"jobs,omitempty"`
}

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil || cfg.Metrics.Bind == "" {
		return nil, nil
	}
	srv := &apiServer{
		bind:   cfg.Metrics.Bind,
		logger: logger,
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.Metrics.Token),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes(token string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.daemon.metrics.Handler())
	mux.HandleFunc("GET /api/status", s.requireToken(token, s.handleStatus))
	mux.HandleFunc("GET /api/queue", s.requireToken(token, s.handleQueue))
	mux.HandleFunc("GET /api/queue/{kind}/{id}", s.requireToken(token, s.handleQueueItem))
	mux.HandleFunc("GET /api/holds", s.requireToken(token, s.handleHolds))
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.log().Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "api_listening"),
	)
	return nil
}

// addr returns the bound address, which differs from bind when it used port 0.
func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.shutdown()
}

func (s *apiServer) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var kind queue.Kind
	if raw := query.Get("kind"); raw != "" {
		parsed, err := queue.ParseKind(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}
	states := query["state"]
	if len(states) > 0 && kind == "" {
		s.writeError(w, http.StatusBadRequest, "state filter requires kind")
		return
	}
	for _, raw := range states {
		if _, err := queue.ParseState(kind, raw); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	jobs, batches, err := s.daemon.ListQueue(r.Context(), kind, states)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, QueueListResponse{Jobs: jobs, Batches: batches})
}

func (s *apiServer) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	kind, err := queue.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	var payload any
	switch kind {
	case queue.KindJob:
		payload, err = s.daemon.ShowJob(r.Context(), id)
	default:
		var resp BatchDetail
		resp.Batch, resp.Jobs, err = s.daemon.ShowBatch(r.Context(), id)
		payload = resp
	}
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, payload)
	}
}

func (s *apiServer) handleHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := s.daemon.Holds(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, holds)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
