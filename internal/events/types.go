// Package events defines the typed publish/subscribe channels that carry
// connection lifecycle notifications to observers.
package events

import (
	"github.com/energizer-project/netsession/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Lifecycle channels
	EventConnectStatus   EventType = "connect_status"
	EventReconnect       EventType = "reconnect"
	EventConnectionEvent EventType = "connection_event"
	EventStateChanged    EventType = "state_changed"

	// Session service channels
	EventServiceError   EventType = "service_error"
	EventSessionList    EventType = "session_list"
	EventSessionTracked EventType = "session_tracked"

	// System events
	EventStatusReport  EventType = "status_report"
	EventConfigChanged EventType = "config_changed"
	EventMaintenance   EventType = "maintenance"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectStatusPayload is published on EventConnectStatus. Late subscribers
// receive the last one through SubscribeBuffered.
type ConnectStatusPayload struct {
	Status protocol.ConnectStatus `json:"status"`
}

// ReconnectMessage reports reconnection progress. CurrentAttempt equals
// MaxAttempts once reconnection is over, whatever the outcome.
type ReconnectMessage struct {
	CurrentAttempt int `json:"current_attempt"`
	MaxAttempts    int `json:"max_attempts"`
}

// ConnectionEventMessage is published by the authority when a remote player
// joins or leaves.
type ConnectionEventMessage struct {
	Status     protocol.ConnectStatus `json:"status"`
	PlayerName string                 `json:"player_name"`
}

// ServiceErrorMessage describes a failed session service call.
type ServiceErrorMessage struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Operation string `json:"operation"`
	Kind      string `json:"kind"`
	Err       error  `json:"-"`
}

// StateChangedPayload is published after every completed transition.
type StateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SessionTrackedPayload is published when session tracking starts or stops.
type SessionTrackedPayload struct {
	SessionID string `json:"session_id"`
	JoinCode  string `json:"join_code"`
	IsHost    bool   `json:"is_host"`
	Tracking  bool   `json:"tracking"`
}

// ConfigChangedPayload names a configuration field edited at runtime.
type ConfigChangedPayload struct {
	Section string `json:"section"`
	Key     string `json:"key"`
}

// MaintenancePayload summarizes one daily maintenance run.
type MaintenancePayload struct {
	LogsRemoved      int    `json:"logs_removed"`
	DatabaseFreed    string `json:"database_freed"`
	Players          int    `json:"players"`
	ConnectedPlayers int    `json:"connected_players"`
}
