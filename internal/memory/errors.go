package memory

import "errors"

var (
	// ErrDanglingEdge rejects an insert whose edges reference unknown fragments.
	ErrDanglingEdge = errors.New("dangling edge")

	ErrInvalidFragment   = errors.New("invalid fragment")
	ErrDuplicateFragment = errors.New("duplicate fragment id")
	ErrUnknownFragment   = errors.New("unknown fragment")
	ErrInvalidContext    = errors.New("invalid context vector")
	ErrInvalidModule     = errors.New("invalid compiled module")

	// ErrInvalidSnapshot is returned by Restore when the tables are not
	// referentially consistent.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)
