package models

import (
	"github.com/pkg/errors"
)

// Every failure produced while parsing an untrusted buffer wraps one of
// these sentinels. Use errors.Is (or errors.Cause) to classify.
var (
	// ErrOutOfBounds means an offset/length computation would read past
	// the end of the input buffer.
	ErrOutOfBounds = errors.New("read out of bounds")

	// ErrUnknownFormat means the magic prefix was not recognized.
	ErrUnknownFormat = errors.New("could not identify file magic")

	// ErrInvalidFormat means a recognized format violated one of its own
	// invariants: a bad count, an overrunning table, a dangling index.
	ErrInvalidFormat = errors.New("invalid file structure")

	// ErrTruncated means the buffer ended before a required fixed-size
	// structure was complete.
	ErrTruncated = errors.New("file truncated")
)
