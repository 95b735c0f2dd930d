package resourceaccess

import "errors"

var (
	// ErrConnectionError covers socket dial/read/write failures.
	ErrConnectionError = errors.New("resourceaccess: connection error")
	// ErrResourceSpawnError means the configured SpawnFunc itself failed.
	ErrResourceSpawnError = errors.New("resourceaccess: resource spawn error")
	// ErrProtocolError means a frame violated the wire format.
	ErrProtocolError = errors.New("resourceaccess: protocol error")
	// ErrClientClosed names the closed-client condition. Enqueue after
	// Close does not return it; it calls the completion with success=false.
	ErrClientClosed = errors.New("resourceaccess: client closed")
)
