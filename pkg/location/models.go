package location

import "time"

// Fix represents one position reported by a GPS receiver
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64   // HDOP when available
	Time      time.Time // UTC time reported by the receiver
}
