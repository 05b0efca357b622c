package domain

import "time"

// Retention names the overflow policy of a Stream.
type Retention string

const (
	RetentionLimits     Retention = "limits"
	RetentionInterest   Retention = "interest"
	RetentionWorkQueue  Retention = "work-queue"
)

// StorageType names the backing storage of a Stream.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageFile   StorageType = "file"
)

// Discard names the stream's discard policy when full.
type Discard string

const (
	DiscardOld Discard = "old"
	DiscardNew Discard = "new"
)

// StreamConfig describes a durable log partition (spec section 3).
type StreamConfig struct {
	Name            string
	Subjects        []string
	Retention       Retention
	Storage         StorageType
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMessages     int64
	MaxMessageSize  int32
	Replicas        int
	Discard         Discard
	DenyDelete      bool
	DenyPurge       bool
	AllowDirect     bool
	AllowRollup     bool
	Description     string
}

// StreamInfo is what ensure_stream/create return about a live stream.
type StreamInfo struct {
	Config         StreamConfig
	Messages       uint64
	Bytes          uint64
	FirstSequence  uint64
	LastSequence   uint64
	Adopted        bool // true if an existing stream was adopted rather than created
}

// AckPolicy names how a Consumer expects acknowledgement.
type AckPolicy string

const (
	AckNone     AckPolicy = "none"
	AckAll      AckPolicy = "all"
	AckExplicit AckPolicy = "explicit"
)

// DeliverPolicy names where a Consumer starts reading from.
type DeliverPolicy string

const (
	DeliverAll              DeliverPolicy = "all"
	DeliverNew              DeliverPolicy = "new"
	DeliverLast             DeliverPolicy = "last"
	DeliverLastPerSubject   DeliverPolicy = "last-per-subject"
	DeliverBySequence       DeliverPolicy = "by-sequence"
	DeliverByTime           DeliverPolicy = "by-time"
)

// ReplayPolicy names a Consumer's pacing of historical delivery.
type ReplayPolicy string

const (
	ReplayInstant  ReplayPolicy = "instant"
	ReplayOriginal ReplayPolicy = "original"
)

// ConsumerType names whether a Consumer is pulled by the adapter or pushed
// by the bus.
type ConsumerType string

const (
	ConsumerPull ConsumerType = "pull"
	ConsumerPush ConsumerType = "push"
)

// ConsumerConfig describes a durable cursor on a Stream (spec section 3).
type ConsumerConfig struct {
	DurableName     string
	Stream          string
	FilterSubject   string
	AckPolicy       AckPolicy
	AckWait         time.Duration
	MaxDeliver      int
	MaxAckPending   int
	DeliverPolicy   DeliverPolicy
	ReplayPolicy    ReplayPolicy
	Type            ConsumerType
	DeliverSubject  string
	DeliverGroup    string
	IdleHeartbeat   time.Duration
	FlowControl     bool

	// StartSequence/StartTime apply when DeliverPolicy is
	// DeliverBySequence/DeliverByTime respectively.
	StartSequence uint64
	StartTime     time.Time
}

// AckMode controls when the adapter acknowledges a delivered BusMessage
// relative to the handler's side effects (spec section 9 open question).
type AckMode int

const (
	// AckAfterEnqueue acknowledges once the handler has enqueued the
	// delivery into the Outbound Buffer, trading at-least-once-to-socket
	// for no head-of-line stalling. This is the spec's default policy.
	AckAfterEnqueue AckMode = iota
	// AckAfterSocketWrite is the opt-in "strict" mode: acknowledgement is
	// deferred until the frame has actually left the socket.
	AckAfterSocketWrite
)

// ReplayMode names the starting point requested by a SUBSCRIBE frame.
type ReplayMode string

const (
	ReplayAll                ReplayMode = "all"
	ReplayNewOnly            ReplayMode = "new"
	ReplayLastOnly           ReplayMode = "last"
	ReplayLastPerSubjectMode ReplayMode = "last_per_subject"
	ReplayFromSequence       ReplayMode = "from_sequence"
	ReplayFromTime           ReplayMode = "from_time"
	ReplayResumeFromLastAck  ReplayMode = "resume_from_last_ack"
)

// ReplayOptions is the SUBSCRIBE-time replay request (spec section 6).
type ReplayOptions struct {
	Mode     ReplayMode
	Sequence uint64
	Time     time.Time
}

// BusMessage is a single delivery from the durable log (spec section 3).
type BusMessage struct {
	Subject           string
	Payload           []byte
	Headers           map[string]string
	StreamSequence    uint64
	ConsumerSequence  uint64
	Timestamp         time.Time
	DeliveryCount     int
	Stream            string
	Consumer          string

	// AckHandle is opaque to every caller except the Bus Adapter's own
	// ack-family methods.
	AckHandle AckHandle
}

// AckHandle is implemented by the Durable Bus Adapter's internal message
// wrapper; callers never construct one directly.
type AckHandle interface {
	Ack() error
	Nak(delay time.Duration) error
	InProgress() error
	Terminate() error
}

// RetryPolicy configures Publish's transient-error backoff (spec 4.8).
type RetryPolicy struct {
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	MaxRetries        int
	AddJitter         bool
}

// PublishResult is returned by the Bus Adapter's Publish operation.
type PublishResult struct {
	Success   bool
	Stream    string
	Sequence  uint64
	Duplicate bool
	Retries   int
	Error     error
}

// Subscription is a client's live binding to a subject pattern (spec
// section 3).
type Subscription struct {
	SubscriptionID     string
	ConsumerName       string
	StreamName         string
	SubjectPattern     string
	Active             bool
	LastAckedSequence  uint64
	ClientID           string

	// Dedicated is true when the consumer backing this subscription was
	// created exclusively for it and should be deleted when the
	// subscription is torn down.
	Dedicated bool
}
