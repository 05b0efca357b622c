// Package audit implements the Audit Chain of spec section 4.10: a
// single-writer, append-only, hash-chained log persisted to Postgres via
// GORM, with tamper-evident verification.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/fleetgate/gateway/internal/domain"
)

var errMutationForbidden = errors.New("audit_log: updates and deletes are forbidden")

// auditRow is the append-only GORM row. BeforeUpdate/BeforeDelete hooks
// enforce the append-only invariant at the persistence layer, per spec
// section 3's "updates and deletes are forbidden" invariant.
type auditRow struct {
	ID           uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp    time.Time
	ActorUserID  string
	ActorDeviceID string
	Action       string
	ResourceType string
	ResourceID   string
	OldValue     []byte `gorm:"type:jsonb"`
	NewValue     []byte `gorm:"type:jsonb"`
	Reason       string
	Metadata     []byte `gorm:"type:jsonb"`
	Checksum     string
	PreviousHash string
}

func (auditRow) TableName() string { return "audit_log" }

func (auditRow) BeforeUpdate(tx *gorm.DB) error { return errMutationForbidden }
func (auditRow) BeforeDelete(tx *gorm.DB) error { return errMutationForbidden }

// canonicalEntry is the exact field set and declaration order spec
// section 4.10 requires for checksum computation: UTF-8, no whitespace,
// fixed key order.
type canonicalEntry struct {
	Timestamp    string         `json:"timestamp"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        canonicalActor `json:"actor"`
	Old          map[string]any `json:"old"`
	New          map[string]any `json:"new"`
	Reason       string         `json:"reason"`
	PreviousHash string         `json:"previous_hash"`
}

type canonicalActor struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Metrics is the narrow facet of the metrics collector the chain reports
// append outcomes to.
type Metrics interface {
	AuditAppend()
	AuditAppendError()
}

// Chain is a single-writer append-only log. Append calls are serialized
// by mu; last_hash is cached in memory and only advanced on persistence
// success.
type Chain struct {
	db      *gorm.DB
	log     zerolog.Logger
	metrics Metrics

	mu       sync.Mutex
	lastHash string
}

// SetMetrics attaches a metrics collector after construction.
func (c *Chain) SetMetrics(m Metrics) { c.metrics = m }

// NewChain opens a Chain over db, migrating its table and reading the tail
// checksum (or GenesisHash if the table is empty) to seed last_hash.
func NewChain(db *gorm.DB, log zerolog.Logger) (*Chain, error) {
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	c := &Chain{db: db, log: log}

	var tail auditRow
	err := db.Order("id DESC").First(&tail).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.lastHash = domain.GenesisHash
	case err != nil:
		return nil, fmt.Errorf("audit: read tail: %w", err)
	default:
		c.lastHash = tail.Checksum
	}
	return c, nil
}

// Append builds and persists the next entry in the chain. previous_hash is
// last_hash at call time; last_hash only advances on persistence success.
func (c *Chain) Append(action domain.AuditAction, resourceType, resourceID string, oldValue, newValue map[string]any, actor domain.Actor, reason string, metadata map[string]any) (domain.AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	previousHash := c.lastHash
	checksum := computeChecksum(now, action, resourceType, resourceID, actor, oldValue, newValue, reason, previousHash)

	row := auditRow{
		Timestamp:     now,
		ActorUserID:   actor.UserID,
		ActorDeviceID: actor.DeviceID,
		Action:        string(action),
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		OldValue:      marshalOrEmpty(oldValue),
		NewValue:      marshalOrEmpty(newValue),
		Reason:        reason,
		Metadata:      marshalOrEmpty(metadata),
		Checksum:      checksum,
		PreviousHash:  previousHash,
	}

	if err := c.db.Create(&row).Error; err != nil {
		if c.metrics != nil {
			c.metrics.AuditAppendError()
		}
		return domain.AuditEntry{}, fmt.Errorf("audit: append: %w", err)
	}
	c.lastHash = checksum
	if c.metrics != nil {
		c.metrics.AuditAppend()
	}

	return domain.AuditEntry{
		ID:           row.ID,
		Timestamp:    now,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldValue:     oldValue,
		NewValue:     newValue,
		Reason:       reason,
		Metadata:     metadata,
		Checksum:     checksum,
		PreviousHash: previousHash,
	}, nil
}

// Verify walks the chain in ascending id order, recomputing each entry's
// checksum and checking it against the running expected previous_hash. It
// never mutates state. fromID/toID of 0 mean unbounded.
func (c *Chain) Verify(fromID, toID uint64) ([]domain.VerifyMismatch, error) {
	q := c.db.Model(&auditRow{}).Order("id ASC")
	if fromID > 0 {
		q = q.Where("id >= ?", fromID)
	}
	if toID > 0 {
		q = q.Where("id <= ?", toID)
	}

	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: verify: %w", err)
	}

	var mismatches []domain.VerifyMismatch
	expected := domain.GenesisHash
	for _, row := range rows {
		if row.PreviousHash != expected {
			mismatches = append(mismatches, domain.VerifyMismatch{EntryID: row.ID, Kind: domain.MismatchChainBreak})
		}

		recomputed := computeChecksum(
			row.Timestamp,
			domain.AuditAction(row.Action),
			row.ResourceType,
			row.ResourceID,
			domain.Actor{UserID: row.ActorUserID, DeviceID: row.ActorDeviceID},
			unmarshalOrNil(row.OldValue),
			unmarshalOrNil(row.NewValue),
			row.Reason,
			row.PreviousHash,
		)
		if recomputed != row.Checksum {
			mismatches = append(mismatches, domain.VerifyMismatch{EntryID: row.ID, Kind: domain.MismatchChecksum})
		}
		expected = recomputed
	}
	return mismatches, nil
}

func computeChecksum(ts time.Time, action domain.AuditAction, resourceType, resourceID string, actor domain.Actor, oldValue, newValue map[string]any, reason, previousHash string) string {
	entry := canonicalEntry{
		Timestamp:    ts.UTC().Format(time.RFC3339Nano),
		Action:       string(action),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        canonicalActor{UserID: actor.UserID, DeviceID: actor.DeviceID},
		Old:          oldValue,
		New:          newValue,
		Reason:       reason,
		PreviousHash: previousHash,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		// json.Marshal on this fixed, JSON-safe shape cannot fail in
		// practice; treat it as an empty-body hash rather than panic.
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func marshalOrEmpty(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

func unmarshalOrNil(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
