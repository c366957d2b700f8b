package registry

import "errors"

var (
	// ErrInvalidPayload is returned when a session description is empty or not
	// well-formed JSON.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNotFound is returned for ids that were never issued or have been
	// evicted.
	ErrNotFound = errors.New("connection not found")
	// ErrInvalidState is returned when an answer targets a record that is not
	// currently Claimed.
	ErrInvalidState = errors.New("invalid connection state")
	// ErrEmpty is returned by ClaimNext when no record is Pending.
	ErrEmpty = errors.New("no pending connections")
	// ErrRegistryFull is returned by Put when MaxRecords live records exist.
	ErrRegistryFull = errors.New("too many connections")
)
