package offlinekit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates SyncMessage payloads.
type MessageType string

const (
	MessageDataUpdate         MessageType = "data_update"
	MessageConflictResolution MessageType = "conflict_resolution"
	MessageSyncRequest        MessageType = "sync_request"
	MessageUserActivity       MessageType = "user_activity"
	// MessageConflictDetected is only ever sent, never received.
	MessageConflictDetected MessageType = "conflict_detected"
)

// SyncMessage is the wire envelope: {type, payload, timestamp, id?}.
// Timestamp is unix milliseconds.
type SyncMessage struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// NewMessage encodes payload into a message with a fresh ID. The timestamp is
// stamped when the message is sent or queued.
func NewMessage(t MessageType, payload any) (SyncMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncMessage{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return SyncMessage{Type: t, Payload: raw, ID: uuid.NewString()}, nil
}

// Time returns the message timestamp as a time.
func (m SyncMessage) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// Operation is the mutation carried by a data update.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (op Operation) valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// ============================================================================
// Inbound messages
// ============================================================================

// Inbound is one of *DataUpdate, *ConflictResolution, *SyncRequest or
// *UserActivity.
type Inbound interface {
	inboundType() MessageType
}

// DataUpdate is a server-pushed change to one entity collection.
type DataUpdate struct {
	Entity    string          `json:"entity"`
	Data      json.RawMessage `json:"data"`
	Operation Operation       `json:"operation"`
	Timestamp int64           `json:"-"`
}

// ConflictResolution carries the externally resolved state of an entity.
type ConflictResolution struct {
	Entity    string          `json:"entity"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"-"`
}

// SyncRequest asks the client to push its local state.
type SyncRequest struct {
	Entities  []string `json:"entities,omitempty"`
	Since     int64    `json:"since,omitempty"`
	Timestamp int64    `json:"-"`
}

// UserActivity reports what another user is doing.
type UserActivity struct {
	UserID    string `json:"userId"`
	Activity  string `json:"activity"`
	Entity    string `json:"entity,omitempty"`
	Timestamp int64  `json:"-"`
}

func (*DataUpdate) inboundType() MessageType         { return MessageDataUpdate }
func (*ConflictResolution) inboundType() MessageType { return MessageConflictResolution }
func (*SyncRequest) inboundType() MessageType        { return MessageSyncRequest }
func (*UserActivity) inboundType() MessageType       { return MessageUserActivity }

// decodeInbound turns a wire message into its typed variant. Unknown and
// outbound-only types are errors.
func decodeInbound(m SyncMessage) (Inbound, error) {
	var in Inbound
	switch m.Type {
	case MessageDataUpdate:
		u := &DataUpdate{Timestamp: m.Timestamp}
		if err := unmarshalPayload(m, u); err != nil {
			return nil, err
		}
		if u.Entity == "" {
			return nil, fmt.Errorf("data_update: entity is required")
		}
		if !u.Operation.valid() {
			return nil, fmt.Errorf("data_update: unknown operation %q", u.Operation)
		}
		in = u
	case MessageConflictResolution:
		r := &ConflictResolution{Timestamp: m.Timestamp}
		if err := unmarshalPayload(m, r); err != nil {
			return nil, err
		}
		if r.Entity == "" {
			return nil, fmt.Errorf("conflict_resolution: entity is required")
		}
		in = r
	case MessageSyncRequest:
		r := &SyncRequest{Timestamp: m.Timestamp}
		if err := unmarshalPayload(m, r); err != nil {
			return nil, err
		}
		in = r
	case MessageUserActivity:
		a := &UserActivity{Timestamp: m.Timestamp}
		if err := unmarshalPayload(m, a); err != nil {
			return nil, err
		}
		in = a
	default:
		return nil, fmt.Errorf("unsupported inbound message type %q", m.Type)
	}
	return in, nil
}

func unmarshalPayload(m SyncMessage, v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Type, err)
	}
	return nil
}

// Conflict is surfaced instead of applying a data update older than the
// local record.
type Conflict struct {
	Entity        string          `json:"entity"`
	Operation     Operation       `json:"operation"`
	LocalData     json.RawMessage `json:"localData"`
	ServerData    json.RawMessage `json:"serverData"`
	Timestamp     int64           `json:"timestamp"`
	LocalModified int64           `json:"localModified"`
}
