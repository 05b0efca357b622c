package bus

import (
	"github.com/nats-io/nats.go"

	"github.com/fleetgate/gateway/internal/domain"
)

func toNatsStorage(s domain.StorageType) nats.StorageType {
	if s == domain.StorageFile {
		return nats.FileStorage
	}
	return nats.MemoryStorage
}

func toNatsRetention(r domain.Retention) nats.RetentionPolicy {
	switch r {
	case domain.RetentionInterest:
		return nats.InterestPolicy
	case domain.RetentionWorkQueue:
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

func toNatsDiscard(d domain.Discard) nats.DiscardPolicy {
	if d == domain.DiscardNew {
		return nats.DiscardNew
	}
	return nats.DiscardOld
}

func toNatsStreamConfig(c domain.StreamConfig) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:        c.Name,
		Subjects:    c.Subjects,
		Retention:   toNatsRetention(c.Retention),
		Storage:     toNatsStorage(c.Storage),
		MaxAge:      c.MaxAge,
		MaxBytes:    c.MaxBytes,
		MaxMsgs:     c.MaxMessages,
		MaxMsgSize:  c.MaxMessageSize,
		Replicas:    maxInt(c.Replicas, 1),
		Discard:     toNatsDiscard(c.Discard),
		DenyDelete:  c.DenyDelete,
		DenyPurge:   c.DenyPurge,
		AllowDirect: c.AllowDirect,
		AllowRollup: c.AllowRollup,
		Description: c.Description,
	}
}

func fromNatsStreamInfo(cfg domain.StreamConfig, info *nats.StreamInfo, adopted bool) domain.StreamInfo {
	return domain.StreamInfo{
		Config:        cfg,
		Messages:      info.State.Msgs,
		Bytes:         info.State.Bytes,
		FirstSequence: info.State.FirstSeq,
		LastSequence:  info.State.LastSeq,
		Adopted:       adopted,
	}
}

// fromNatsStreamConfig reconstructs a domain.StreamConfig from a live
// *nats.StreamConfig, used when the admin surface asks about a stream the
// adapter didn't itself configure (e.g. one created out-of-band).
func fromNatsStreamConfig(c *nats.StreamConfig) domain.StreamConfig {
	retention := domain.RetentionLimits
	switch c.Retention {
	case nats.InterestPolicy:
		retention = domain.RetentionInterest
	case nats.WorkQueuePolicy:
		retention = domain.RetentionWorkQueue
	}
	storage := domain.StorageFile
	if c.Storage == nats.MemoryStorage {
		storage = domain.StorageMemory
	}
	discard := domain.DiscardOld
	if c.Discard == nats.DiscardNew {
		discard = domain.DiscardNew
	}
	return domain.StreamConfig{
		Name:           c.Name,
		Subjects:       c.Subjects,
		Retention:      retention,
		Storage:        storage,
		MaxAge:         c.MaxAge,
		MaxBytes:       c.MaxBytes,
		MaxMessages:    c.MaxMsgs,
		MaxMessageSize: c.MaxMsgSize,
		Replicas:       c.Replicas,
		Discard:        discard,
		DenyDelete:     c.DenyDelete,
		DenyPurge:      c.DenyPurge,
		AllowDirect:    c.AllowDirect,
		AllowRollup:    c.AllowRollup,
		Description:    c.Description,
	}
}

func toNatsAckPolicy(p domain.AckPolicy) nats.AckPolicy {
	switch p {
	case domain.AckNone:
		return nats.AckNonePolicy
	case domain.AckAll:
		return nats.AckAllPolicy
	default:
		return nats.AckExplicitPolicy
	}
}

func toNatsDeliverPolicy(p domain.DeliverPolicy) nats.DeliverPolicy {
	switch p {
	case domain.DeliverNew:
		return nats.DeliverNewPolicy
	case domain.DeliverLast:
		return nats.DeliverLastPolicy
	case domain.DeliverLastPerSubject:
		return nats.DeliverLastPerSubjectPolicy
	case domain.DeliverBySequence:
		return nats.DeliverByStartSequencePolicy
	case domain.DeliverByTime:
		return nats.DeliverByStartTimePolicy
	default:
		return nats.DeliverAllPolicy
	}
}

func toNatsReplayPolicy(p domain.ReplayPolicy) nats.ReplayPolicy {
	if p == domain.ReplayOriginal {
		return nats.ReplayOriginalPolicy
	}
	return nats.ReplayInstantPolicy
}

func toNatsConsumerConfig(c domain.ConsumerConfig) *nats.ConsumerConfig {
	cc := &nats.ConsumerConfig{
		Durable:       c.DurableName,
		FilterSubject: c.FilterSubject,
		AckPolicy:     toNatsAckPolicy(c.AckPolicy),
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.MaxAckPending,
		DeliverPolicy: toNatsDeliverPolicy(c.DeliverPolicy),
		ReplayPolicy:  toNatsReplayPolicy(c.ReplayPolicy),
	}
	if c.DeliverPolicy == domain.DeliverBySequence {
		cc.OptStartSeq = c.StartSequence
	}
	if c.DeliverPolicy == domain.DeliverByTime {
		t := c.StartTime
		cc.OptStartTime = &t
	}
	if c.Type == domain.ConsumerPush {
		cc.DeliverSubject = c.DeliverSubject
		cc.DeliverGroup = c.DeliverGroup
		cc.FlowControl = c.FlowControl
		if c.IdleHeartbeat > 0 {
			cc.Heartbeat = c.IdleHeartbeat
		}
	}
	return cc
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
