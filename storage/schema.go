// Package storage persists session data to an on-disk container of
// append-only time-series arrays, with in-memory buffering, periodic
// auto-flush and crash recovery.
package storage

import "fmt"

// DType is the element type of a stream.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int8    DType = "int8"
	Int16   DType = "int16"
)

// Size returns the on-disk size of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64:
		return 8
	case Int8:
		return 1
	case Int16:
		return 2
	default:
		return 0
	}
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool { return d.Size() > 0 }

// StreamSchema declares a stream's fixed per-sample shape and element type.
// Immutable after session open.
type StreamSchema struct {
	Name  string `json:"name"`  // slash-separated path, e.g. "raw/eeg"
	Width int    `json:"width"` // values per sample; 1 for scalar streams
	DType DType  `json:"dtype"`
}

func (s StreamSchema) validate() error {
	if s.Name == "" {
		return fmt.Errorf("stream schema: empty name")
	}
	if s.Width < 1 {
		return fmt.Errorf("stream %q: width must be >= 1, got %d", s.Name, s.Width)
	}
	if !s.DType.Valid() {
		return fmt.Errorf("stream %q: unknown dtype %q", s.Name, s.DType)
	}
	return nil
}

// TimestampsStream is the top-level array recording the wall clock of every
// append across all streams. It is registered implicitly on session open.
const TimestampsStream = "timestamps"

// DefaultSchemas is the fixed FRENZ channel layout: raw sensor groups, the
// filtered EEG, ML score channels and per-band power values.
func DefaultSchemas() []StreamSchema {
	return []StreamSchema{
		{Name: "raw/eeg", Width: 7, DType: Float32},
		{Name: "raw/imu", Width: 3, DType: Float32},
		{Name: "raw/ppg", Width: 3, DType: Float32},

		{Name: "filtered/eeg", Width: 7, DType: Float32},

		{Name: "scores/poas", Width: 1, DType: Float32},
		{Name: "scores/focus", Width: 1, DType: Float32},
		{Name: "scores/posture", Width: 1, DType: Int8},
		{Name: "scores/sleep_stage", Width: 1, DType: Int8},
		{Name: "scores/signal_quality", Width: 4, DType: Float32},
		{Name: "scores/hr", Width: 1, DType: Int16},
		{Name: "scores/spo2", Width: 1, DType: Int16},

		{Name: "power_bands/alpha", Width: 5, DType: Float32},
		{Name: "power_bands/beta", Width: 5, DType: Float32},
		{Name: "power_bands/gamma", Width: 5, DType: Float32},
		{Name: "power_bands/theta", Width: 5, DType: Float32},
		{Name: "power_bands/delta", Width: 5, DType: Float32},
	}
}
