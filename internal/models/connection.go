package models

import "time"

// ConnectionState is the lifecycle state of the push channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is published on the connection_status event whenever the
// connection manager changes state.
type ConnectionStatus struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

// ConnectionSnapshot is a read-only view of the connection manager.
type ConnectionSnapshot struct {
	State                      ConnectionState `json:"state"`
	SessionID                  string          `json:"session_id,omitempty"`
	ReconnectAttempts          int             `json:"reconnect_attempts"`
	MaxReconnectAttempts       int             `json:"max_reconnect_attempts"`
	LastError                  string          `json:"last_error,omitempty"`
	IsConnected                bool            `json:"is_connected"`
	IsReconnecting             bool            `json:"is_reconnecting"`
	HasError                   bool            `json:"has_error"`
	ReconnectAttemptsExhausted bool            `json:"reconnect_attempts_exhausted"`
	LastPong                   *time.Time      `json:"last_pong,omitempty"` // Last heartbeat answer from the server
}
