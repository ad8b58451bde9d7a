package constants

import "time"

const (
	DefaultAPIBaseURL           = "http://localhost:3000"
	DefaultSocketURL            = "http://localhost:3000"
	DefaultAPITimeout           = 10 * time.Second
	DefaultReconnectionAttempts = 5
	DefaultReconnectionDelay    = 1000 * time.Millisecond
	DefaultReconnectionDelayMax = 5000 * time.Millisecond
	DefaultConnectionTimeout    = 20000 * time.Millisecond
	DefaultHeartbeatInterval    = 30000 * time.Millisecond
	DefaultMaxLocationsDisplay  = 50
	DefaultRefreshInterval      = 30 * time.Second
	DefaultLatestPollInterval   = 2 * time.Second
	DefaultStatusServerAddress  = "127.0.0.1:8090"
	DefaultMQTTTopicPrefix      = "tracker"
	DefaultGPSBaudRate          = 9600
)

// Validation bounds for location records.
const (
	LatitudeMin  = -90.0
	LatitudeMax  = 90.0
	LongitudeMin = -180.0
	LongitudeMax = 180.0
	TimestampMin = 0
)
