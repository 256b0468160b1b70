package adminapi

import "errors"

var (
	// ErrAdminAlreadyRunning is returned when starting a control socket
	// while another instance is already listening on the same path.
	ErrAdminAlreadyRunning = errors.New("admin API already running")

	// ErrAdminNotRunning is returned when a client tries to connect to
	// a control socket that does not exist.
	ErrAdminNotRunning = errors.New("admin API not running")

	// ErrUnauthorized is returned when a request lacks a valid cookie.
	ErrUnauthorized = errors.New("unauthorized")
)
