package ir

import (
	"fmt"
	"time"
)

// EntityKey identifies one logical connection instance.
// Keys are never reused for a different connection once retired.
type EntityKey string

// Validate reports whether the key is usable.
func (k EntityKey) Validate() error {
	if k == "" {
		return fmt.Errorf("entity key is empty")
	}
	return nil
}

// ConnectionStatus is the lifecycle position of a connection.
// The zero value is NotConnected.
type ConnectionStatus int

const (
	NotConnected ConnectionStatus = iota
	AwaitingConnectionEstablish
	Connected
)

var statusNames = map[ConnectionStatus]string{
	NotConnected:                "NotConnected",
	AwaitingConnectionEstablish: "AwaitingConnectionEstablish",
	Connected:                   "Connected",
}

// String returns the persisted name of the status.
func (s ConnectionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ConnectionStatus(%d)", int(s))
}

// ParseConnectionStatus is the inverse of String.
func ParseConnectionStatus(name string) (ConnectionStatus, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return NotConnected, fmt.Errorf("unknown connection status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseConnectionStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// OperationName names a request against an entity.
type OperationName string

const (
	OpInitialize             OperationName = "Initialize"
	OpRequestStartConnection OperationName = "RequestStartConnection"
	OpEstablishConnection    OperationName = "EstablishConnection"
	OpReceivePayload         OperationName = "ReceivePayload"
	OpDisconnect             OperationName = "Disconnect"
	OpHealthCheck            OperationName = "HealthCheck"
)

// Operations lists every known operation in declaration order.
var Operations = []OperationName{
	OpInitialize,
	OpRequestStartConnection,
	OpEstablishConnection,
	OpReceivePayload,
	OpDisconnect,
	OpHealthCheck,
}

// Known reports whether op is one of Operations.
func (op OperationName) Known() bool {
	for _, known := range Operations {
		if op == known {
			return true
		}
	}
	return false
}

// ArgPayload is the argument carrying ReceivePayload's body.
const ArgPayload = "payload"

// Source records who enqueued an operation.
type Source string

const (
	// SourceCaller is an external producer such as the coordinator.
	SourceCaller Source = "caller"
	// SourceTimer is a fired ScheduledTimer.
	SourceTimer Source = "timer"
)

// Snapshot is the complete persisted state of one entity.
//
// INVARIANT: InitializedAt == nil implies Status == NotConnected.
type Snapshot struct {
	Key           EntityKey        `json:"entity_key"`
	InitializedAt *time.Time       `json:"initialized_at"`
	Status        ConnectionStatus `json:"connection_status"`
	Version       int64            `json:"version"`
}

// NewSnapshot returns the lazily created state of a never-seen entity.
func NewSnapshot(key EntityKey) Snapshot {
	return Snapshot{Key: key}
}

// Initialized reports whether Initialize has run.
func (s Snapshot) Initialized() bool {
	return s.InitializedAt != nil
}

// Validate checks the snapshot invariant.
func (s Snapshot) Validate() error {
	if err := s.Key.Validate(); err != nil {
		return err
	}
	if s.InitializedAt == nil && s.Status != NotConnected {
		return fmt.Errorf("snapshot %s: status %s without initialization", s.Key, s.Status)
	}
	if s.Version < 0 {
		return fmt.Errorf("snapshot %s: negative version %d", s.Key, s.Version)
	}
	return nil
}

// PendingOperation is a queued unit of work for one key.
type PendingOperation struct {
	ID        string        `json:"id"`
	Key       EntityKey     `json:"entity_key"`
	Operation OperationName `json:"operation"`
	Args      Args          `json:"args"`
	Seq       int64         `json:"seq"`    // enqueue order
	Source    Source        `json:"source"` // caller or timer
	InboxID   int64         `json:"inbox_id,omitempty"`
}

// ScheduledTimer is a durable, exactly-once, time-delayed operation.
type ScheduledTimer struct {
	ID        string        `json:"id"` // content-addressed, see TimerID
	FireAt    time.Time     `json:"fire_at"`
	Key       EntityKey     `json:"entity_key"`
	Operation OperationName `json:"operation"`
	Args      Args          `json:"args"`

	// CreatedBy is the snapshot version whose commit registered the timer.
	CreatedByKey     EntityKey `json:"created_by_key"`
	CreatedByVersion int64     `json:"created_by_version"`
}

// InboxEntry is a fired timer waiting to be committed by its target entity.
type InboxEntry struct {
	ID         int64         `json:"id"`
	Key        EntityKey     `json:"entity_key"`
	Operation  OperationName `json:"operation"`
	Args       Args          `json:"args"`
	TimerID    string        `json:"timer_id"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// OperationRecord is the journal row written with every committed transition.
type OperationRecord struct {
	Key         EntityKey     `json:"entity_key"`
	Version     int64         `json:"version"`
	OperationID string        `json:"operation_id"`
	Operation   OperationName `json:"operation"`
	Args        Args          `json:"args"`
	Source      Source        `json:"source"`
	CommittedAt time.Time     `json:"committed_at"`
}
