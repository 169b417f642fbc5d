package store

import "errors"

var (
	// ErrInPlaceUnsupported indicates the storage engine cannot execute the
	// structural change in place; the executor falls back to the shadow-table
	// protocol.
	ErrInPlaceUnsupported = errors.New("in-place alter not supported by storage engine")

	// ErrTableNotFound indicates the named table does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrColumnNotFound indicates the named column does not exist.
	ErrColumnNotFound = errors.New("column not found")
)
