package storage

import "errors"

var (
	// ErrSessionOpen is returned by OpenSession when a session is already
	// open without an intervening finalize.
	ErrSessionOpen = errors.New("session already open")

	// ErrNoSession is returned by operations that need an open session.
	ErrNoSession = errors.New("no open session")

	// ErrUnknownStream rejects an append to a stream that was not registered
	// at session open.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrShapeMismatch rejects a sample whose length does not match the
	// stream's declared width.
	ErrShapeMismatch = errors.New("sample shape mismatch")
)
