package constants

// Inbound push-channel events.
const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventConnectError      = "connect_error"
	EventLocationUpdate    = "location-update"
	EventInitialData       = "initial-data"
	EventStatsUpdate       = "stats-update"
	EventClientCountUpdate = "client-count-update"
	EventConnectionInfo    = "connection-info"
	EventPong              = "pong"
)

// Outbound push-channel events.
const (
	EventRequestInitialData = "request-initial-data"
	EventRequestStats       = "request-stats"
	EventPing               = "ping"
)

// EventConnectionStatus is published locally by the connection manager and
// never travels over the wire.
const EventConnectionStatus = "connection_status"

// Statuses carried by connection_status events.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusReconnected  = "reconnected"
	StatusReconnecting = "reconnecting"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)
