// Package admin implements the gateway's operator-facing HTTP surface:
// live device listing, Prometheus exposition, health, and stream/consumer
// introspection. Grounded on the teacher's server.go, which wires
// /health, /stats, and /metrics/* onto a plain http.ServeMux with thin
// JSON-dump handlers.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fleetgate/gateway/internal/domain"
)

// DeviceRegistry is the narrow facet of the Connection Registry the admin
// surface reads from.
type DeviceRegistry interface {
	IDs() []string
	Context(clientID string) (domain.ClientContext, bool)
	Count() int
}

// BusStatus is the narrow facet of the Durable Bus Adapter the admin
// surface reads from.
type BusStatus interface {
	IsConnected() bool
	StreamNames() []string
	StreamInfo(name string) (domain.StreamInfo, error)
	ConsumerInfos(stream string) ([]*nats.ConsumerInfo, error)
}

// HealthChecker reports whether a dependent component is ready to serve.
type HealthChecker func() (healthy bool, detail string)

// Server is the admin HTTP surface, mounted on its own listener
// (gateway.admin_listen_addr) separate from the device-facing upgrade
// endpoint.
type Server struct {
	registry DeviceRegistry
	bus      BusStatus
	checks   map[string]HealthChecker
	startedAt time.Time
	log      zerolog.Logger

	httpServer *http.Server
}

// New builds the admin HTTP server bound to addr. checks are consulted by
// /health in addition to the bus connectivity check.
func New(addr string, registry DeviceRegistry, bus BusStatus, checks map[string]HealthChecker, log zerolog.Logger) *Server {
	s := &Server{
		registry:  registry,
		bus:       bus,
		checks:    checks,
		startedAt: time.Now(),
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/consumers/", s.handleConsumers)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the admin HTTP server. It blocks until the server
// stops or errors.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight admin requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type deviceSummary struct {
	ClientID    string    `json:"clientId"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	devices := make([]deviceSummary, 0, len(ids))
	for _, id := range ids {
		ctx, ok := s.registry.Context(id)
		if !ok {
			continue
		}
		devices = append(devices, deviceSummary{
			ClientID:    ctx.ClientID,
			Role:        ctx.Role,
			ConnectedAt: ctx.ConnectedAt,
			ExpiresAt:   ctx.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "healthy",
		"uptime_s":  time.Since(s.startedAt).Seconds(),
		"sessions":  s.registry.Count(),
		"bus_connected": s.bus.IsConnected(),
	}
	if !s.bus.IsConnected() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}

	checks := map[string]any{}
	for name, check := range s.checks {
		healthy, detail := check()
		checks[name] = map[string]any{"healthy": healthy, "detail": detail}
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	body["checks"] = checks

	writeJSON(w, status, body)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	names := s.bus.StreamNames()
	streams := make([]domain.StreamInfo, 0, len(names))
	for _, name := range names {
		info, err := s.bus.StreamInfo(name)
		if err != nil {
			s.log.Warn().Err(err).Str("stream", name).Msg("admin: stream info lookup failed")
			continue
		}
		streams = append(streams, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

func (s *Server) handleConsumers(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Path[len("/consumers/"):]
	if stream == "" {
		http.Error(w, "stream name required", http.StatusBadRequest)
		return
	}
	infos, err := s.bus.ConsumerInfos(stream)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stream": stream, "consumers": infos})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
