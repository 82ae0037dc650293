package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when the daemon socket does not exist.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the socket cannot be opened by the current user.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned on 404, e.g. when no sweep has finished yet.
	ErrNotFound = errors.New("404 not found")

	// ErrConflict is returned on 409, when a sweep is already running or none is.
	ErrConflict = errors.New("409 conflict")
)
