package entitystore

import "errors"

// Sentinel errors returned by the store. Callers compare with errors.Is.
var (
	// ErrIoError wraps an underlying filesystem/bbolt failure that is not a
	// corruption (disk full, permission denied, etc).
	ErrIoError = errors.New("entitystore: io error")

	// ErrCorruptDatabase is returned once the bounded reopen budget (three
	// attempts) is exhausted while recovering from a bbolt open failure.
	ErrCorruptDatabase = errors.New("entitystore: corrupt database")

	// ErrKeyExists names the unique-insert failure kind. No function in
	// this package returns it; a CreateEntity on an existing uid is
	// rejected by the pipeline with pipeline.ErrAlreadyExists.
	ErrKeyExists = errors.New("entitystore: key exists")

	// ErrNotFound is returned when a uid has no stored revision, or its tip
	// revision is a removal.
	ErrNotFound = errors.New("entitystore: not found")
)
