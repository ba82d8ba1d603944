package loader

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

const (
	elfClass32 = 1
	elfClass64 = 2

	elfData2LSB = 1
	elfData2MSB = 2

	etRel  = 1
	etExec = 2
	etDyn  = 3

	shtNull    = 0
	shtSymtab  = 2
	shtStrtab  = 3
	shtRela    = 4
	shtNobits  = 8
	shtRel     = 9
	shtDynsym  = 11

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
	shfMerge     = 0x10
	shfStrings   = 0x20

	stbGlobal = 1
	stbWeak   = 2

	sttObject  = 1
	sttFunc    = 2
	sttSection = 3
	sttFile    = 4

	// st_shndx values at or above this are reserved, not real indexes.
	shnLoReserve = 0xff00
)

const (
	em386     = 3
	emMIPS    = 8
	emPPC     = 20
	emPPC64   = 21
	emARM     = 40
	emX86_64  = 62
	emAARCH64 = 183
	emRISCV   = 243
)

var elfMachineMap = map[uint16]string{
	em386:     "x86",
	emX86_64:  "x86_64",
	emARM:     "arm",
	emAARCH64: "arm64",
	emMIPS:    "mips",
	emPPC:     "ppc",
	emPPC64:   "ppc64",
	emRISCV:   "riscv",
}

// Fixed header layouts, decoded after the 16-byte identification block.
type elf32Hdr struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64Hdr struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf32Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	Addralign uint32
	Entsize   uint32
}

type elf64Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type elf32Sym struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

type elf64Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type elf32Rel struct {
	Off  uint32
	Info uint32
}

type elf32Rela struct {
	Off    uint32
	Info   uint32
	Addend int32
}

type elf64Rel struct {
	Off  uint64
	Info uint64
}

type elf64Rela struct {
	Off    uint64
	Info   uint64
	Addend int64
}

// elfShdr is a section header normalized to 64-bit widths.
type elfShdr struct {
	nameOff uint32
	typ     uint32
	flags   uint64
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

type ElfFile struct {
	ObjBase
	c       Cursor
	machine uint16

	shoff     uint64
	shentsize uint64
	shnum     int
	shstrndx  uint32

	shdrOnce sync.Once
	shdrs    []elfShdr
	shdrErr  error

	secOnce sync.Once
	secs    []models.Section
	secErr  error

	symOnce sync.Once
	syms    []models.Symbol
	symErr  error
}

// NewElfFile parses the identification block and file header. Tables are
// decoded lazily on first query.
func NewElfFile(buf []byte) (*ElfFile, error) {
	c := NewCursor(buf)
	ident, err := c.Bytes(0, 16)
	if err != nil {
		return nil, errors.Wrap(models.ErrTruncated, "ELF identification block")
	}

	var bits int
	switch ident[4] {
	case elfClass32:
		bits = 32
	case elfClass64:
		bits = 64
	default:
		return nil, errors.Wrapf(models.ErrInvalidFormat, "unknown ELF class %d", ident[4])
	}
	var order binary.ByteOrder
	switch ident[5] {
	case elfData2LSB:
		order = binary.LittleEndian
	case elfData2MSB:
		order = binary.BigEndian
	default:
		return nil, errors.Wrapf(models.ErrInvalidFormat, "unknown ELF data encoding %d", ident[5])
	}
	if ident[6] != 1 {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "unknown ELF version %d", ident[6])
	}

	e := &ElfFile{c: c}
	e.bits = bits
	e.byteOrder = order
	e.os = "linux"

	var typ uint16
	if bits == 32 {
		var hdr elf32Hdr
		if _, err := unpackAt(c, 16, order, &hdr); err != nil {
			return nil, err
		}
		typ = hdr.Type
		e.machine = hdr.Machine
		e.entry = uint64(hdr.Entry)
		e.shoff = uint64(hdr.Shoff)
		e.shentsize = uint64(hdr.Shentsize)
		e.shnum = int(hdr.Shnum)
		e.shstrndx = uint32(hdr.Shstrndx)
	} else {
		var hdr elf64Hdr
		if _, err := unpackAt(c, 16, order, &hdr); err != nil {
			return nil, err
		}
		typ = hdr.Type
		e.machine = hdr.Machine
		e.entry = hdr.Entry
		e.shoff = hdr.Shoff
		e.shentsize = uint64(hdr.Shentsize)
		e.shnum = int(hdr.Shnum)
		e.shstrndx = uint32(hdr.Shstrndx)
	}

	if name, ok := elfMachineMap[e.machine]; ok {
		e.arch = name
	} else {
		e.arch = fmt.Sprintf("unknown(%d)", e.machine)
	}
	switch typ {
	case etExec:
		e.typ = models.EXEC
	case etDyn:
		e.typ = models.DYN
	case etRel:
		e.typ = models.REL
	default:
		e.typ = models.UNKNOWN
	}
	return e, nil
}

func (e *ElfFile) shdrTable() ([]elfShdr, error) {
	e.shdrOnce.Do(func() {
		e.shdrs, e.shdrErr = e.parseShdrs()
	})
	return e.shdrs, e.shdrErr
}

func (e *ElfFile) parseShdrs() ([]elfShdr, error) {
	if e.shoff == 0 || e.shnum == 0 {
		return nil, nil
	}
	minEnt := uint64(40)
	if e.bits == 64 {
		minEnt = 64
	}
	if e.shentsize < minEnt {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "section header entry size %d below minimum %d", e.shentsize, minEnt)
	}
	shdrs := make([]elfShdr, 0, e.shnum)
	for i := 0; i < e.shnum; i++ {
		off := e.shoff + uint64(i)*e.shentsize
		var sh elfShdr
		if e.bits == 32 {
			var raw elf32Shdr
			if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
				return nil, errors.Wrapf(err, "section header %d", i)
			}
			sh = elfShdr{
				nameOff: raw.Name, typ: raw.Type, flags: uint64(raw.Flags),
				addr: uint64(raw.Addr), off: uint64(raw.Offset), size: uint64(raw.Size),
				link: raw.Link, info: raw.Info, align: uint64(raw.Addralign), entsize: uint64(raw.Entsize),
			}
		} else {
			var raw elf64Shdr
			if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
				return nil, errors.Wrapf(err, "section header %d", i)
			}
			sh = elfShdr{
				nameOff: raw.Name, typ: raw.Type, flags: raw.Flags,
				addr: raw.Addr, off: raw.Offset, size: raw.Size,
				link: raw.Link, info: raw.Info, align: raw.Addralign, entsize: raw.Entsize,
			}
		}
		if sh.typ != shtNull && sh.typ != shtNobits {
			if _, err := e.c.Bytes(sh.off, sh.size); err != nil {
				return nil, errors.Wrapf(models.ErrInvalidFormat, "section %d: content range 0x%x+0x%x out of file", i, sh.off, sh.size)
			}
		}
		shdrs = append(shdrs, sh)
	}
	return shdrs, nil
}

func (e *ElfFile) Sections() ([]models.Section, error) {
	e.secOnce.Do(func() {
		e.secs, e.secErr = e.parseSections()
	})
	return e.secs, e.secErr
}

func (e *ElfFile) parseSections() ([]models.Section, error) {
	shdrs, err := e.shdrTable()
	if err != nil {
		return nil, err
	}
	var strs Cursor
	haveStrs := false
	if e.shstrndx != 0 {
		if int(e.shstrndx) >= len(shdrs) {
			return nil, errors.Wrapf(models.ErrInvalidFormat, "section name string table index %d out of range (%d sections)", e.shstrndx, len(shdrs))
		}
		sh := shdrs[e.shstrndx]
		if sh.typ != shtStrtab {
			return nil, errors.Wrapf(models.ErrInvalidFormat, "section %d is not a string table (type %d)", e.shstrndx, sh.typ)
		}
		strs, _ = e.c.Sub(sh.off, sh.size)
		haveStrs = true
	}

	secs := make([]models.Section, 0, len(shdrs))
	for i, sh := range shdrs {
		name := ""
		if haveStrs {
			name, err = strs.CString(uint64(sh.nameOff))
			if err != nil {
				e.warnf("section %d: bad name offset 0x%x", i, sh.nameOff)
				name = ""
			}
		}
		var flags models.SectionFlag
		if sh.flags&shfAlloc != 0 {
			flags |= models.SectionAlloc
		}
		if sh.flags&shfWrite != 0 {
			flags |= models.SectionWrite
		}
		if sh.flags&shfExecinstr != 0 {
			flags |= models.SectionExec
		}
		if sh.flags&shfMerge != 0 {
			flags |= models.SectionMerge
		}
		if sh.flags&shfStrings != 0 {
			flags |= models.SectionStrings
		}
		sec := models.Section{
			Name:   name,
			Addr:   sh.addr,
			Offset: sh.off,
			Size:   sh.size,
			Align:  sh.align,
			Flags:  flags,
			NoBits: sh.typ == shtNobits,
		}
		if sh.typ != shtNull && sh.typ != shtNobits {
			sec.Data, _ = e.c.Bytes(sh.off, sh.size)
		}
		secs = append(secs, sec)
	}
	return secs, nil
}

func (e *ElfFile) Symbols() ([]models.Symbol, error) {
	e.symOnce.Do(func() {
		e.syms, e.symErr = e.parseSymbols()
	})
	return e.syms, e.symErr
}

// symtabIndex picks the symbol table Symbols exposes: the static symtab
// when present, otherwise the dynamic one.
func (e *ElfFile) symtabIndex(shdrs []elfShdr) int {
	dynsym := -1
	for i, sh := range shdrs {
		switch sh.typ {
		case shtSymtab:
			return i
		case shtDynsym:
			if dynsym < 0 {
				dynsym = i
			}
		}
	}
	return dynsym
}

func (e *ElfFile) symbolStrings(shdrs []elfShdr, symtab elfShdr) (Cursor, error) {
	if int(symtab.link) >= len(shdrs) {
		return Cursor{}, errors.Wrapf(models.ErrInvalidFormat, "symbol table links to section %d, out of range", symtab.link)
	}
	strsh := shdrs[symtab.link]
	if strsh.typ != shtStrtab {
		return Cursor{}, errors.Wrapf(models.ErrInvalidFormat, "symbol table links to section %d, not a string table (type %d)", symtab.link, strsh.typ)
	}
	return e.c.Sub(strsh.off, strsh.size)
}

func (e *ElfFile) parseSymbols() ([]models.Symbol, error) {
	shdrs, err := e.shdrTable()
	if err != nil {
		return nil, err
	}
	idx := e.symtabIndex(shdrs)
	if idx < 0 {
		return nil, nil
	}
	symtab := shdrs[idx]
	strs, err := e.symbolStrings(shdrs, symtab)
	if err != nil {
		return nil, err
	}

	entSize := uint64(16)
	if e.bits == 64 {
		entSize = 24
	}
	if symtab.entsize < entSize {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "symbol entry size %d below minimum %d", symtab.entsize, entSize)
	}
	count := symtab.size / symtab.entsize

	syms := make([]models.Symbol, 0, count)
	for i := uint64(0); i < count; i++ {
		off := symtab.off + i*symtab.entsize
		var nameOff uint32
		var value, size uint64
		var info uint8
		var shndx uint16
		if e.bits == 32 {
			var raw elf32Sym
			if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
				return nil, errors.Wrapf(err, "symbol %d", i)
			}
			nameOff, value, size = raw.Name, uint64(raw.Value), uint64(raw.Size)
			info, shndx = raw.Info, raw.Shndx
		} else {
			var raw elf64Sym
			if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
				return nil, errors.Wrapf(err, "symbol %d", i)
			}
			nameOff, value, size = raw.Name, raw.Value, raw.Size
			info, shndx = raw.Info, raw.Shndx
		}

		name := ""
		if nameOff != 0 {
			name, err = strs.CString(uint64(nameOff))
			if err != nil {
				e.warnf("symbol %d: bad name offset 0x%x, entry skipped", i, nameOff)
				continue
			}
		}

		section := -1
		switch {
		case shndx == 0 || shndx >= shnLoReserve:
			// undefined or reserved, no owning section
		case int(shndx) >= len(shdrs):
			e.warnf("symbol %d (%q): section index %d out of range, entry skipped", i, name, shndx)
			continue
		default:
			section = int(shndx)
		}

		binding := models.BindLocal
		switch info >> 4 {
		case stbGlobal:
			binding = models.BindGlobal
		case stbWeak:
			binding = models.BindWeak
		}
		kind := models.SymNone
		switch info & 0xf {
		case sttObject:
			kind = models.SymData
		case sttFunc:
			kind = models.SymFunc
		case sttSection:
			kind = models.SymSection
		case sttFile:
			kind = models.SymFile
		default:
			if shndx == 0 {
				kind = models.SymUndef
			}
		}

		syms = append(syms, models.Symbol{
			Name:    name,
			Value:   value,
			Size:    size,
			Binding: binding,
			Kind:    kind,
			Section: section,
		})
	}
	return syms, nil
}

func (e *ElfFile) Relocations(section int) ([]models.Relocation, error) {
	shdrs, err := e.shdrTable()
	if err != nil {
		return nil, err
	}
	if section < 0 || section >= len(shdrs) {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "no section with index %d", section)
	}
	var out []models.Relocation
	for i, sh := range shdrs {
		if sh.typ != shtRel && sh.typ != shtRela {
			continue
		}
		if sh.info != uint32(section) {
			continue
		}
		relocs, err := e.parseRelocSection(shdrs, i, sh)
		if err != nil {
			return nil, err
		}
		out = append(out, relocs...)
	}
	return out, nil
}

func (e *ElfFile) parseRelocSection(shdrs []elfShdr, idx int, sh elfShdr) ([]models.Relocation, error) {
	if int(sh.link) >= len(shdrs) {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "relocation section %d links to section %d, out of range", idx, sh.link)
	}
	symtab := shdrs[sh.link]
	if symtab.typ != shtSymtab && symtab.typ != shtDynsym {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "relocation section %d links to section %d, not a symbol table", idx, sh.link)
	}
	symEnt := uint64(16)
	if e.bits == 64 {
		symEnt = 24
	}
	if symtab.entsize < symEnt {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "symbol entry size %d below minimum %d", symtab.entsize, symEnt)
	}
	symCount := symtab.size / symtab.entsize

	hasAddend := sh.typ == shtRela
	var entSize uint64
	switch {
	case e.bits == 32 && !hasAddend:
		entSize = 8
	case e.bits == 32 && hasAddend:
		entSize = 12
	case e.bits == 64 && !hasAddend:
		entSize = 16
	default:
		entSize = 24
	}
	if sh.entsize < entSize {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "relocation entry size %d below minimum %d", sh.entsize, entSize)
	}
	count := sh.size / sh.entsize

	out := make([]models.Relocation, 0, count)
	for i := uint64(0); i < count; i++ {
		off := sh.off + i*sh.entsize
		var r models.Relocation
		var sym uint64
		if e.bits == 32 {
			var roff, rinfo uint32
			if hasAddend {
				var raw elf32Rela
				if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
					return nil, errors.Wrapf(err, "relocation %d", i)
				}
				roff, rinfo = raw.Off, raw.Info
				r.Addend = int64(raw.Addend)
			} else {
				var raw elf32Rel
				if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
					return nil, errors.Wrapf(err, "relocation %d", i)
				}
				roff, rinfo = raw.Off, raw.Info
			}
			r.Offset = uint64(roff)
			r.Raw = rinfo & 0xff
			sym = uint64(rinfo >> 8)
		} else {
			var rinfo uint64
			if hasAddend {
				var raw elf64Rela
				if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
					return nil, errors.Wrapf(err, "relocation %d", i)
				}
				r.Offset, rinfo = raw.Off, raw.Info
				r.Addend = raw.Addend
			} else {
				var raw elf64Rel
				if _, err := unpackAt(e.c, off, e.byteOrder, &raw); err != nil {
					return nil, errors.Wrapf(err, "relocation %d", i)
				}
				r.Offset, rinfo = raw.Off, raw.Info
			}
			r.Raw = uint32(rinfo)
			sym = rinfo >> 32
		}
		if sym >= symCount {
			e.warnf("relocation %d in section %d: symbol index %d out of range, entry skipped", i, idx, sym)
			continue
		}
		r.Symbol = int(sym)
		r.HasAddend = hasAddend
		r.Kind = e.relocKind(r.Raw)
		out = append(out, r)
	}
	return out, nil
}

func (e *ElfFile) relocKind(raw uint32) models.RelocKind {
	switch e.machine {
	case emX86_64:
		switch raw {
		case 0:
			return models.RelocNone
		case 1: // R_X86_64_64
			return models.RelocAbs64
		case 2: // R_X86_64_PC32
			return models.RelocPCRel32
		case 10, 11: // R_X86_64_32, R_X86_64_32S
			return models.RelocAbs32
		}
	case em386:
		switch raw {
		case 0:
			return models.RelocNone
		case 1: // R_386_32
			return models.RelocAbs32
		case 2: // R_386_PC32
			return models.RelocPCRel32
		}
	case emAARCH64:
		switch raw {
		case 0:
			return models.RelocNone
		case 257: // R_AARCH64_ABS64
			return models.RelocAbs64
		case 258: // R_AARCH64_ABS32
			return models.RelocAbs32
		}
	default:
		if raw == 0 {
			return models.RelocNone
		}
	}
	return models.RelocOther
}
