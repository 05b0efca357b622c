package historian

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fleetgate/gateway/internal/domain"
)

// Bus is the narrow facet of the Durable Bus Adapter the ingestion core
// needs: a durable consumer per configured historian feed, fetched via a
// background subscription loop.
type Bus interface {
	EnsureConsumer(ctx context.Context, cfg domain.ConsumerConfig) error
	Subscribe(ctx context.Context, stream, consumer string, handler func(domain.BusMessage) error) (domain.Subscription, error)
}

// AuditAppender is the narrow facet of the Audit Chain the ingestion core
// writes to when ingestion auditing is enabled.
type AuditAppender interface {
	Append(action domain.AuditAction, resourceType, resourceID string, oldValue, newValue map[string]any, actor domain.Actor, reason string, metadata map[string]any) (domain.AuditEntry, error)
}

// ConsumerSpec is one historian.consumers[] entry (spec section 6).
type ConsumerSpec struct {
	Name          string
	Stream        string
	FilterSubject string
	DataType      domain.DataType
	Enabled       bool
}

// IngestorConfig collects historian.* configuration (spec section 6).
type IngestorConfig struct {
	Consumers           []ConsumerSpec
	EnableAuditLogging  bool
	EnableIntegrityCheck bool
}

// Ingestor is the Historian Ingestion Core: it binds one durable consumer
// per configured feed, routes each delivery to the Normalizer by
// data-type, and hands the resulting records to the Writer.
type Ingestor struct {
	bus   Bus
	norm  *Normalizer
	write *Writer
	audit AuditAppender
	cfg   IngestorConfig
	log   zerolog.Logger
}

func NewIngestor(bus Bus, norm *Normalizer, write *Writer, audit AuditAppender, cfg IngestorConfig, log zerolog.Logger) *Ingestor {
	return &Ingestor{bus: bus, norm: norm, write: write, audit: audit, cfg: cfg, log: log}
}

// Start ensures a durable consumer exists for every enabled feed and binds
// a subscription whose handler normalizes and writes each delivery.
func (g *Ingestor) Start(ctx context.Context) error {
	for _, spec := range g.cfg.Consumers {
		if !spec.Enabled {
			continue
		}

		cfg := domain.ConsumerConfig{
			DurableName:   spec.Name,
			Stream:        spec.Stream,
			FilterSubject: spec.FilterSubject,
			AckPolicy:     domain.AckExplicit,
			DeliverPolicy: domain.DeliverAll,
			Type:          domain.ConsumerPull,
		}
		if err := g.bus.EnsureConsumer(ctx, cfg); err != nil {
			return fmt.Errorf("historian: ensure consumer %s: %w", spec.Name, err)
		}

		dataType := spec.DataType
		if _, err := g.bus.Subscribe(ctx, spec.Stream, spec.Name, g.handler(dataType, spec.Name)); err != nil {
			return fmt.Errorf("historian: subscribe %s: %w", spec.Name, err)
		}
	}
	return nil
}

// handler closes over a single feed's data-type and routes each delivery
// through the Normalizer into the Writer's bounded channels.
func (g *Ingestor) handler(dataType domain.DataType, consumerName string) func(domain.BusMessage) error {
	return func(msg domain.BusMessage) error {
		switch dataType {
		case domain.DataTypeTelemetry:
			recs, err := g.norm.Telemetry(msg)
			if err != nil {
				return fmt.Errorf("historian %s: normalize telemetry: %w", consumerName, err)
			}
			for _, r := range recs {
				g.write.WriteTelemetry(r)
			}

		case domain.DataTypeEvent, domain.DataTypeAlert:
			rec, err := g.norm.Event(msg)
			if err != nil {
				return fmt.Errorf("historian %s: normalize event: %w", consumerName, err)
			}
			g.write.WriteEvent(rec)
			g.auditIngest("event", rec.ID, rec.EventType)

		case domain.DataTypeQuality:
			rec, err := g.norm.Quality(msg)
			if err != nil {
				return fmt.Errorf("historian %s: normalize quality: %w", consumerName, err)
			}
			g.write.WriteQuality(rec)
			g.auditIngest("quality_inspection", rec.ID, string(rec.Result))

		default:
			return fmt.Errorf("historian %s: unknown data type %q", consumerName, dataType)
		}
		return nil
	}
}

// auditIngest appends an INGEST entry when historian.enable_audit_logging
// is set. Audit failures are logged, not propagated: the historian write
// path must not stall on the audit chain.
func (g *Ingestor) auditIngest(resourceType, resourceID, detail string) {
	if !g.cfg.EnableAuditLogging || g.audit == nil {
		return
	}
	if _, err := g.audit.Append(domain.ActionIngest, resourceType, resourceID, nil, map[string]any{"detail": detail}, domain.Actor{}, "historian ingestion", nil); err != nil {
		g.log.Error().Err(err).Str("resource_type", resourceType).Str("resource_id", resourceID).Msg("audit append failed for historian ingestion")
	}
}
