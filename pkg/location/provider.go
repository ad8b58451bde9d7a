package location

import "io"

// Provider yields consecutive GPS fixes.
type Provider interface {
	NextFix() (Fix, error)
	Close() error
}

// SerialOpener opens the raw NMEA byte stream of a receiver.
type SerialOpener func(port string, baudRate int) (io.ReadCloser, error)
