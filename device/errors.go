package device

import "errors"

// Connection failure causes. Dialers should wrap one of these so the
// supervisor and callers can classify failures.
var (
	// ErrDeviceNotFound means the device id did not answer during connect.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrConnectTimeout means the connection attempt exceeded its deadline.
	ErrConnectTimeout = errors.New("connection timeout")

	// ErrAuthFailed means the product key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrConnectionDropped means an established link stopped delivering data.
	ErrConnectionDropped = errors.New("connection dropped")

	// ErrAttemptsExhausted means the bounded reconnection policy gave up.
	// The supervisor stays in StateError until an explicit Connect call.
	ErrAttemptsExhausted = errors.New("reconnection attempts exhausted")

	// ErrNotConnected is returned when an operation needs a live handle.
	ErrNotConnected = errors.New("not connected")
)
