// Package health serves the agent's local health and status endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/rs/cors"

	"github.com/certfleet/certfleet/pkg/conn"
)

// DeployCounters is a point-in-time view of deployment activity since the
// agent started.
type DeployCounters struct {
	CertDeploys     uint64 `json:"cert_deploys"`
	CertFailures    uint64 `json:"cert_failures"`
	CertRollbacks   uint64 `json:"cert_rollbacks"`
	SecretDeploys   uint64 `json:"secret_deploys"`
	SecretFailures  uint64 `json:"secret_failures"`
	DegradedNotices uint64 `json:"degraded_notices"`
}

// Snapshot is what /statusz reports.
type Snapshot struct {
	InstanceID string         `json:"instance_id"`
	Hostname   string         `json:"hostname"`
	StartedAt  time.Time      `json:"started_at"`
	Connection conn.Status    `json:"connection"`
	Deploys    DeployCounters `json:"deploys"`
}

// Server exposes /healthz and /statusz on a local listener.
type Server struct {
	logger   *slog.Logger
	addr     string
	snapshot func() Snapshot

	services.Service
}

func NewServer(logger *slog.Logger, addr string, snapshot func() Snapshot) *Server {
	s := &Server{
		logger:   logger,
		addr:     addr,
		snapshot: snapshot,
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Server) running(ctx context.Context) error {
	router := mux.NewRouter()
	s.ConfigureHTTP(router)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: cors.Default().Handler(router),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.With("addr", s.addr).Info("status endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) ConfigureHTTP(router *mux.Router) {
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/statusz", s.handleStatusz).Methods(http.MethodGet)
}

// handleHealthz is a liveness probe: 200 while the process runs, 503 once
// the connection has given up entirely. Between retry attempts the socket
// sits closed with the scheduler still working on it, and that must not
// flip a flapping agent to unhealthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	code := http.StatusOK
	if snap.Connection.State == conn.StateClosed && !snap.Connection.ReconnectEnabled {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"state": string(snap.Connection.State)})
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(s.snapshot())
}
