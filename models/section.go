package models

// SectionFlag is the common subset of per-format section attributes.
type SectionFlag uint32

const (
	SectionAlloc SectionFlag = 1 << iota
	SectionWrite
	SectionExec
	SectionMerge
	SectionStrings
)

type Section struct {
	Name   string
	Addr   uint64
	Offset uint64
	Size   uint64
	Align  uint64
	Flags  SectionFlag
	// NoBits marks a section that occupies no file space (zero-fill).
	NoBits bool
	// Data is a sub-slice of the input buffer, nil for NoBits sections.
	Data []byte
}
