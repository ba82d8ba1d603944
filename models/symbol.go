package models

// Binding is a symbol's linkage visibility.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

func (b Binding) String() string {
	switch b {
	case BindGlobal:
		return "global"
	case BindWeak:
		return "weak"
	}
	return "local"
}

// SymKind is the normalized symbol type.
type SymKind uint8

const (
	SymNone SymKind = iota
	SymFunc
	SymData
	SymSection
	SymFile
	SymUndef
)

func (k SymKind) String() string {
	switch k {
	case SymFunc:
		return "func"
	case SymData:
		return "data"
	case SymSection:
		return "section"
	case SymFile:
		return "file"
	case SymUndef:
		return "undef"
	}
	return "none"
}

type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Binding Binding
	Kind    SymKind
	// Section is the owning section index, -1 when the symbol is not
	// attached to any section.
	Section int
}

func (s Symbol) Contains(addr uint64) bool {
	return s.Value <= addr && (s.Size == 0 || addr < s.Value+s.Size)
}
