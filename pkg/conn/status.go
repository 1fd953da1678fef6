package conn

import "time"

// State is the connection lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateOpen        State = "open"
	StateEstablished State = "established"
	StateDegraded    State = "degraded"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// Status is a point-in-time snapshot of connection health, owned by the
// Manager and exposed through an accessor instead of ambient globals.
type Status struct {
	State             State     `json:"state"`
	RegisteredID      string    `json:"registered_id,omitempty"`
	EverConnected     bool      `json:"ever_connected"`
	ConnectedAt       time.Time `json:"connected_at,omitzero"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitzero"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	// ReconnectEnabled distinguishes a closed socket the scheduler is still
	// working on from one deliberately shut down.
	ReconnectEnabled bool   `json:"reconnect_enabled"`
	LastError        string `json:"last_error,omitempty"`
}
