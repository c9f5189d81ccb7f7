// Package device manages the connection lifecycle for a FRENZ brainband.
// The vendor toolkit is an opaque collaborator behind the Dialer and Streamer
// interfaces; this package owns discovery, connection state, health monitoring
// and bounded reconnection with exponential backoff.
package device

import (
	"context"
	"time"
)

// Streamer is a live handle to a connected band. Implementations expose the
// latest available sample per channel as read-only maps; an absent key means
// no new sample, not an error. Callers poll at their own cadence and must
// tolerate reading the same sample twice.
type Streamer interface {
	// LatestRaw returns the most recent raw sample per raw stream name
	// (e.g. "eeg" -> 7 values, "imu" -> 3 values).
	LatestRaw() map[string][]float64

	// LatestScores returns the most recent value per score name. Values are
	// whatever the vendor library produces: float64, int, []float64, or a
	// string for categorical scores such as posture.
	LatestScores() map[string]any

	// Info returns the one-time device configuration snapshot captured at
	// connection time. Immutable for the lifetime of the handle.
	Info() Info

	// Healthy reports whether data is still flowing over the link.
	Healthy() bool

	Close() error
}

// Info describes the connected device and its calibration values.
type Info struct {
	DeviceID        string             `json:"device_id"`
	Model           string             `json:"model"`
	FirmwareVersion string             `json:"firmware_version"`
	Calibration     map[string]float64 `json:"calibration,omitempty"`
	ConnectedAt     time.Time          `json:"connected_at"`
}

// Dialer establishes connections to a band. The vendor toolkit adapter and the
// built-in simulator both implement it.
type Dialer interface {
	Dial(ctx context.Context, deviceID, productKey string) (Streamer, error)
}

// DiscoveredDevice is one result of a scan.
type DiscoveredDevice struct {
	ID   string
	Name string
	RSSI int
}

// Scanner discovers nearby bands.
type Scanner interface {
	Scan(ctx context.Context) ([]DiscoveredDevice, error)
}
