package models

// RelocKind normalizes relocation codes whose semantics align across
// formats. Everything else is RelocOther; the format-specific code is
// always preserved in Relocation.Raw.
type RelocKind uint8

const (
	RelocNone RelocKind = iota
	RelocAbs32
	RelocAbs64
	RelocPCRel32
	RelocOther
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs32:
		return "abs32"
	case RelocAbs64:
		return "abs64"
	case RelocPCRel32:
		return "pcrel32"
	case RelocOther:
		return "other"
	}
	return "none"
}

type Relocation struct {
	// Offset is relative to the start of the section the relocation
	// applies to.
	Offset uint64
	// Symbol indexes the object's symbol table.
	Symbol int
	Kind   RelocKind
	// Raw is the format-specific relocation type code.
	Raw uint32
	// Addend is meaningful only when HasAddend is set (ELF RELA).
	Addend    int64
	HasAddend bool
}
