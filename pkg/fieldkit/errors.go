package fieldkit

import "errors"

var (
	// ErrClosed is returned when a method is called after Close.
	ErrClosed = errors.New("client is closed")
	// ErrNotFound is returned when a record or mutation does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotParked is returned when Requeue targets a mutation that is
	// still pending.
	ErrNotParked = errors.New("mutation is not parked")
	// ErrOffline is returned when an operation needs the server but no
	// server URL is configured.
	ErrOffline = errors.New("no server configured")
)
