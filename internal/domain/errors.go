package domain

import "errors"

var (
	// ErrStorage marks a failed insert or query against the message log.
	ErrStorage = errors.New("storage error")
	// ErrIO marks a failed file write or read in the upload store.
	ErrIO = errors.New("io error")
	// ErrNotFound is returned when an uploaded file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidKind rejects a message whose type is not text, image or status.
	ErrInvalidKind = errors.New("invalid message kind")
)
