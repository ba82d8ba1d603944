package models

import (
	"encoding/binary"
)

// Object file types.
const (
	UNKNOWN = iota
	EXEC
	DYN
	REL
)

// Object is the format-agnostic read-only view over a parsed object file.
// All queries are pure and repeatable; an Object is safe for concurrent
// readers once constructed. Every derived slice borrows from the buffer the
// Object was parsed from, so the caller must keep that buffer alive for as
// long as the Object is in use.
type Object interface {
	Arch() string
	Bits() int
	ByteOrder() binary.ByteOrder
	OS() string
	Entry() uint64
	Type() int
	Sections() ([]Section, error)
	Symbols() ([]Symbol, error)
	// Relocations returns the relocation entries applying to the section
	// with the given index (as returned by Sections).
	Relocations(section int) ([]Relocation, error)
	// Warnings reports per-entry problems (malformed symbols/relocations)
	// that were skipped rather than failing the whole table.
	Warnings() []error
}
