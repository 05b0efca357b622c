// Package supervisor orchestrates gateway startup order and
// signal-driven graceful shutdown. Grounded on the teacher's
// Start/Shutdown/waitForShutdown shape in server.go: a WaitGroup of
// background loops, a signal.Notify-driven shutdown trigger, and a
// bounded-timeout drain before closing downstream connections.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetgate/gateway/internal/domain"
)

// Bus is the narrow facet of the Durable Bus Adapter the supervisor
// manages the lifecycle of.
type Bus interface {
	IsConnected() bool
	Close()
}

// Registry is the narrow facet of the Connection Registry the supervisor
// drains on shutdown.
type Registry interface {
	Count() int
	CloseAll(reason domain.ErrorKind)
}

// Writer is the narrow facet of the Historian Writer the supervisor flushes
// on shutdown.
type Writer interface {
	Close()
}

// Ingestor is the narrow facet of the Historian Ingestion Core the
// supervisor starts.
type Ingestor interface {
	Start(ctx context.Context) error
}

// AdminServer is the narrow facet of the admin HTTP surface the supervisor
// starts and stops.
type AdminServer interface {
	ListenAndServe() error
	Shutdown() error
}

// Config tunes the supervisor's drain behavior.
type Config struct {
	// DrainTimeout bounds how long shutdown waits for registered sessions
	// to close themselves after being notified, before proceeding
	// regardless (spec section 5's "default 10s bounded window").
	DrainTimeout time.Duration
}

// Supervisor owns startup ordering and the shutdown sequence for the
// gateway's long-lived components.
type Supervisor struct {
	cfg      Config
	bus      Bus
	registry Registry
	writer   Writer
	ingestor Ingestor
	admin    AdminServer
	log      zerolog.Logger
}

func New(cfg Config, bus Bus, registry Registry, writer Writer, ingestor Ingestor, admin AdminServer, log zerolog.Logger) *Supervisor {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, bus: bus, registry: registry, writer: writer, ingestor: ingestor, admin: admin, log: log}
}

// Run starts the historian ingestion core and the admin HTTP server, then
// blocks until ctx is cancelled or a SIGINT/SIGTERM arrives, at which point
// it runs the shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.ingestor.Start(ctx); err != nil {
		return err
	}

	adminErrCh := make(chan error, 1)
	go func() {
		if err := s.admin.ListenAndServe(); err != nil {
			adminErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-adminErrCh:
		s.log.Error().Err(err).Msg("admin server failed")
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, shutting down")
	}

	s.shutdown()
	return nil
}

// shutdown evicts every live session, waits up to DrainTimeout for them to
// finish tearing down on their own, then closes the admin server, the
// historian writer (flushing any pending batches), and the bus connection,
// in that order.
func (s *Supervisor) shutdown() {
	s.registry.CloseAll(domain.ErrServerShutdown)

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if s.registry.Count() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := s.registry.Count(); remaining > 0 {
		s.log.Warn().Int("remaining_sessions", remaining).Msg("drain timeout elapsed with sessions still open")
	}

	if err := s.admin.Shutdown(); err != nil {
		s.log.Error().Err(err).Msg("admin server shutdown error")
	}
	s.writer.Close()
	s.bus.Close()
}
