package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering. CreatedAt and UpdatedAt are managed by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// Node is the persistent record of a node agent. The ID is the stable,
// operator-assigned identifier the node presents at registration — not a
// UUID, because it doubles as the session-token subject and the location key
// in host FQNs ("hostname@location").
//
// Online/offline is derived: a node is online iff it currently holds a bound
// WebSocket session AND its last heartbeat is within NODE_TIMEOUT.
type Node struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Location        string     `gorm:"not null;index" json:"location"`
	Status          string     `gorm:"not null;default:'offline'" json:"status"` // "online", "offline"
	LastHeartbeat   *time.Time `json:"lastHeartbeat"`
	Capabilities    string     `gorm:"type:text;not null;default:'[]'" json:"-"` // JSON array
	Version         string     `gorm:"not null;default:''" json:"version"`
	Platform        string     `gorm:"not null;default:''" json:"platform"`
	ProtocolVersion string     `gorm:"not null;default:''" json:"protocolVersion"`
	Subnet          string     `gorm:"not null;default:''" json:"subnet"`
	Gateway         string     `gorm:"not null;default:''" json:"gateway"`
	CreatedAt       time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updatedAt"`
}

func (Node) TableName() string { return "nodes" }

// -----------------------------------------------------------------------------
// Hosts (aggregated across nodes)
// -----------------------------------------------------------------------------

// AggregatedHost is the C&C-side record of a LAN host reported by a node.
// FQN ("hostname@location") is the cross-node unique key. Tags and Ports are
// JSON-encoded TEXT so the schema stays identical across dialects.
type AggregatedHost struct {
	FQN            string     `gorm:"column:fqn;primaryKey" json:"fqn"`
	NodeID         string     `gorm:"not null;index" json:"nodeId"`
	Location       string     `gorm:"not null" json:"location"`
	Name           string     `gorm:"not null" json:"name"`
	MAC            string     `gorm:"column:mac;not null" json:"mac"`
	IP             string     `gorm:"column:ip;not null" json:"ip"`
	Status         string     `gorm:"not null" json:"status"` // "awake", "asleep"
	PingResponsive *int       `json:"pingResponsive"`
	LastSeen       *time.Time `json:"lastSeen"`
	Discovered     int        `gorm:"not null;default:0" json:"discovered"`
	Notes          string     `gorm:"type:text;not null;default:''" json:"notes,omitempty"`
	Tags           string     `gorm:"type:text;not null;default:'[]'" json:"-"`
	WolPort        int        `gorm:"not null;default:9" json:"wolPort"`
	Ports          string     `gorm:"type:text;not null;default:'[]'" json:"-"`
	PortsScannedAt *time.Time `json:"portsScannedAt,omitempty"`
	PortsExpireAt  *time.Time `json:"portsExpireAt,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updatedAt"`
}

func (AggregatedHost) TableName() string { return "hosts" }

// HostStatusHistory is an append-only log of host status transitions,
// used for uptime reporting and pruned by retention.
type HostStatusHistory struct {
	Base
	FQN        string    `gorm:"column:fqn;not null;index" json:"fqn"`
	FromStatus string    `gorm:"not null" json:"fromStatus"`
	ToStatus   string    `gorm:"not null" json:"toStatus"`
	At         time.Time `gorm:"not null;index" json:"at"`
}

func (HostStatusHistory) TableName() string { return "host_status_history" }

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Command is the durable record of one dispatched node command.
// The row is created by the dispatch path and mutated only by the command
// router's state machine; terminal states never transition again.
//
// IdempotencyKey is nullable; the partial unique index on
// (node_id, type, idempotency_key) lives in the migrations.
type Command struct {
	Base
	NodeID         string     `gorm:"not null;index" json:"nodeId"`
	Type           string     `gorm:"not null" json:"type"`
	Payload        string     `gorm:"type:text;not null;default:'{}'" json:"-"`
	IdempotencyKey *string    `json:"idempotencyKey,omitempty"`
	State          string     `gorm:"not null;default:'queued';index" json:"state"`
	Error          string     `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	CorrelationID  string     `gorm:"not null;default:''" json:"correlationId,omitempty"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func (Command) TableName() string { return "commands" }

// -----------------------------------------------------------------------------
// Wake schedules
// -----------------------------------------------------------------------------

// WakeSchedule fires a wake command for a host at a recurring local time.
// NextTrigger is derived from ScheduledTime + Frequency in Timezone and is
// the column the schedule worker polls on.
type WakeSchedule struct {
	Base
	HostFQN       string     `gorm:"not null;index" json:"hostFqn"`
	ScheduledTime time.Time  `gorm:"not null" json:"scheduledTime"`
	Timezone      string     `gorm:"not null;default:'UTC'" json:"timezone"`
	Frequency     string     `gorm:"not null" json:"frequency"` // once|daily|weekly|weekdays|weekends
	Enabled       bool       `gorm:"not null;default:true" json:"enabled"`
	NotifyOnWake  bool       `gorm:"not null;default:false" json:"notifyOnWake"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
	NextTrigger   *time.Time `gorm:"index" json:"nextTrigger,omitempty"`
}

func (WakeSchedule) TableName() string { return "wake_schedules" }

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is a registered event subscriber. Events is a JSON array of event
// names ("*" subscribes to everything). Secret, when set, signs delivery
// bodies with HMAC-SHA256 and is encrypted at rest when a secret key is
// configured.
type Webhook struct {
	Base
	URL    string          `gorm:"not null" json:"url"`
	Events string          `gorm:"type:text;not null;default:'[]'" json:"-"`
	Secret EncryptedString `gorm:"not null;default:''" json:"-"`
}

func (Webhook) TableName() string { return "webhooks" }

// WebhookDelivery is the append-only log of one delivery attempt.
type WebhookDelivery struct {
	Base
	WebhookID      uuid.UUID `gorm:"type:text;not null;index" json:"webhookId"`
	EventType      string    `gorm:"not null" json:"eventType"`
	Attempt        int       `gorm:"not null" json:"attempt"`
	Status         string    `gorm:"not null" json:"status"` // "success", "failed"
	ResponseStatus int       `gorm:"not null;default:0" json:"responseStatus"`
	Error          string    `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	Payload        string    `gorm:"type:text;not null;default:''" json:"-"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
