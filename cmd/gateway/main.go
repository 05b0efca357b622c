// Command gateway is the fleetgate entrypoint: it loads configuration,
// wires every component of the Session Core, Durable Bus Adapter, and
// Historian Ingestion Core together, and runs until a shutdown signal
// arrives. Grounded on the teacher's cmd/main.go, replacing its
// hand-rolled JSON-config-with-env-override loader with the env-tag
// config package and its single-process server wiring with the
// supervisor's startup/shutdown orchestration.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetgate/gateway/internal/admin"
	"github.com/fleetgate/gateway/internal/audit"
	"github.com/fleetgate/gateway/internal/authn"
	"github.com/fleetgate/gateway/internal/bus"
	"github.com/fleetgate/gateway/internal/config"
	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/historian"
	"github.com/fleetgate/gateway/internal/logging"
	"github.com/fleetgate/gateway/internal/metrics"
	"github.com/fleetgate/gateway/internal/ratelimit"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/session"
	"github.com/fleetgate/gateway/internal/supervisor"
)

func main() {
	bootLog := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(log)

	mtr := metrics.New()
	stopSampler := make(chan struct{})
	defer close(stopSampler)
	go metrics.NewSystemSampler(mtr).Run(stopSampler, 5*time.Second)

	db, err := gorm.Open(postgres.Open(cfg.HistorianDBConnectionString), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to historian database")
	}
	if err := historian.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate historian tables")
	}

	auditChain, err := audit.NewChain(db, log.With().Str("component", "audit").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit chain")
	}
	auditChain.SetMetrics(mtr)

	busAdapter, err := bus.New(bus.Options{
		URL:            cfg.BusURL,
		ClientName:     cfg.BusClientName,
		MaxReconnects:  cfg.BusMaxReconnects,
		ReconnectWait:  cfg.BusReconnectWait,
		ConnectTimeout: cfg.BusConnectTimeout,
	}, log.With().Str("component", "bus").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to bus")
	}
	busAdapter.SetMetrics(mtr)

	bootCtx, cancelBoot := context.WithCancel(context.Background())
	defer cancelBoot()
	if err := busAdapter.Initialize(bootCtx, cfg.Streams, cfg.Consumers); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize streams and consumers")
	}

	writer := historian.NewWriter(db, historian.WriterConfig{
		QueueSize:    cfg.HistorianBatchSize * 4,
		BatchSize:    cfg.HistorianBatchSize,
		BatchTimeout: cfg.HistorianBatchTimeout,
	}, log.With().Str("component", "historian_writer").Logger())
	writer.SetMetrics(mtr)

	normalizer := historian.NewNormalizer()

	var auditAppender historian.AuditAppender
	if cfg.HistorianEnableAuditLogging {
		auditAppender = auditChain
	}

	ingestor := historian.NewIngestor(busAdapter, normalizer, writer, auditAppender, historian.IngestorConfig{
		Consumers:            cfg.HistorianConsumers,
		EnableAuditLogging:   cfg.HistorianEnableAuditLogging,
		EnableIntegrityCheck: cfg.HistorianEnableIntegrityCheck,
	}, log.With().Str("component", "historian_ingestor").Logger())

	verifier := authn.NewVerifier(cfg.JWTSigningSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTClockSkew)
	reg := registry.New()
	reg.SetMetrics(mtr)

	sessionCfg := session.Config{
		MaxMessageSize:     cfg.MaxMessageSize,
		RatePerSecond:      cfg.MessageRateLimitPerSecond,
		OutgoingBufferSize: cfg.OutgoingBufferSize,
		AuthTimeout:        cfg.AuthenticationTimeout,
		IdleThreshold:      cfg.PingInterval,
		PingTimeout:        cfg.PingTimeout,
		WriteWait:          cfg.PingTimeout,
		AckMode:            cfg.SessionAckMode(),
		PublishRetry:       retryPolicyFrom(cfg.PublishRetry()),
	}

	// acceptLimiter bounds the rate of new connection acceptances across
	// all clients, ahead of the per-client token bucket each session
	// enforces once authenticated.
	acceptLimiter := rate.NewLimiter(rate.Limit(cfg.ConnectionAcceptRatePerSecond), cfg.ConnectionAcceptBurst)

	deviceMux := http.NewServeMux()
	deviceMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !acceptLimiter.Allow() {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		transport, err := session.Upgrade(w, r)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		limiter := ratelimit.New(sessionCfg.RatePerSecond)
		sess := session.New(sessionCfg, transport, verifier, limiter, reg, busAdapter, log.With().Str("component", "session").Logger())
		sess.SetMetrics(mtr)
		go sess.Run()
	})

	deviceServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: deviceMux,
	}
	go func() {
		if err := deviceServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("device server failed")
		}
	}()

	healthChecks := map[string]admin.HealthChecker{
		"bus": func() (bool, string) {
			if busAdapter.IsConnected() {
				return true, "connected"
			}
			return false, "disconnected"
		},
	}
	adminServer := admin.New(cfg.AdminListenAddr, reg, busAdapter, healthChecks, log.With().Str("component", "admin").Logger())

	sup := supervisor.New(supervisor.Config{DrainTimeout: cfg.ShutdownDrainTimeout}, busAdapter, reg, writer, ingestor, adminServer, log)

	if err := sup.Run(bootCtx); err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		_ = deviceServer.Close()
		os.Exit(1)
	}
	_ = deviceServer.Close()
}

// retryPolicyFrom adapts the config package's PublishRetry shape to
// domain.RetryPolicy; the field sets are equivalent, only the owning
// package differs.
func retryPolicyFrom(p config.PublishRetry) domain.RetryPolicy {
	return domain.RetryPolicy{
		InitialDelay:      p.InitialDelay,
		MaxDelay:          p.MaxDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		MaxRetries:        p.MaxRetries,
		AddJitter:         p.AddJitter,
	}
}
