package resourceconfig

import "errors"

var (
	// ErrNotFound is returned by Get/Modify/Remove for an unknown identifier.
	ErrNotFound = errors.New("resourceconfig: entry not found")
	// ErrAlreadyExists is returned by Add when the identifier is already registered.
	ErrAlreadyExists = errors.New("resourceconfig: entry already exists")
)
