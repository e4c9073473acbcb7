package shared

import (
	"encoding/json"
	"errors"
)

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// MessageType represents the type of message being sent
type MessageType string

const (
	// client -> hub
	MessageTypeRegister           MessageType = "register"
	MessageTypeHeartbeat          MessageType = "heartbeat"
	MessageTypePong               MessageType = "pong"
	MessageTypeDirectExecute      MessageType = "direct:execute"
	MessageTypeStorageModify      MessageType = "storage:modify"
	MessageTypeStorageSubscribe   MessageType = "storage:subscribe"
	MessageTypeStorageUnsubscribe MessageType = "storage:unsubscribe"
	MessageTypeStatusStart        MessageType = "status:start"
	MessageTypeStatusPause        MessageType = "status:pause"
	MessageTypeStatusRestart      MessageType = "status:restart"
	MessageTypeStatusWin          MessageType = "status:win"
	MessageTypeDevicesList        MessageType = "devices:list"

	// hub -> client
	MessageTypeDeviceHeartbeat MessageType = "device:heartbeat"
	MessageTypePing            MessageType = "ping"
	MessageTypeStorageUpdate   MessageType = "storage:update"
	MessageTypeHardwareEvent   MessageType = "hardware:event"
	MessageTypeError           MessageType = "error"

	// both directions
	MessageTypeReset MessageType = "reset"
)

// Transport identifies how a device session is reached.
type Transport string

const (
	TransportSocket Transport = "socket"
	TransportHTTP   Transport = "http"
)

type RegisterPayload struct {
	Device     string                 `json:"device"`
	InstanceID string                 `json:"instanceId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Transport  Transport              `json:"transport,omitempty"`
}

type HeartbeatPayload struct {
	At int64 `json:"at"`
}

// DeviceHeartbeat is broadcast after the hub folds a heartbeat into the registry.
type DeviceHeartbeat struct {
	Device     string `json:"device"`
	InstanceID string `json:"instanceId"`
	LatencyMs  int64  `json:"latencyMs"`
	At         int64  `json:"at"`
}

type PingPayload struct {
	PingID string `json:"pingId"`
	SentAt int64  `json:"sentAt"`
}

type PongPayload struct {
	PingID      string `json:"pingId"`
	SentAt      int64  `json:"sentAt"`
	RespondedAt int64  `json:"respondedAt"`
}

type DirectExecutePayload struct {
	Target           string          `json:"target"`
	Command          string          `json:"command"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Source           string          `json:"source,omitempty"`
	SourceInstanceID string          `json:"sourceInstanceId,omitempty"`
	TargetInstanceID string          `json:"targetInstanceId,omitempty"`
}

type StorageModifyPayload struct {
	Patch       map[string]json.RawMessage `json:"patch"`
	Persist     bool                       `json:"persist,omitempty"`
	PersistKeys []string                   `json:"persistKeys,omitempty"`
}

type StorageSubscribePayload struct {
	Keys []string `json:"keys,omitempty"`
}

type StorageUpdatePayload struct {
	State       map[string]json.RawMessage `json:"state"`
	ChangedKeys []string                   `json:"changedKeys,omitempty"`
}

type StatusCommandPayload struct {
	At              int64    `json:"at,omitempty"`
	Note            string   `json:"note,omitempty"`
	Operator        string   `json:"operator,omitempty"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
}

type ResetPayload struct {
	Reason           string                 `json:"reason,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Source           string                 `json:"source,omitempty"`
	SourceInstanceID string                 `json:"sourceInstanceId,omitempty"`
	At               int64                  `json:"at,omitempty"`
}

type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
