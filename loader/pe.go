package loader

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

const (
	peSignatureOffsetLoc = 0x3c

	peOptMagic32 = 0x10b
	peOptMagic64 = 0x20b

	coffMachineI386  = 0x14c
	coffMachineArm   = 0x1c0
	coffMachineAmd64 = 0x8664
	coffMachineArm64 = 0xaa64

	coffCharExecutableImage = 0x0002
	coffCharDLL             = 0x2000

	coffScnCode            = 0x00000020
	coffScnInitializedData = 0x00000040
	coffScnUninitData      = 0x00000080
	coffScnMemExecute      = 0x20000000
	coffScnMemWrite        = 0x80000000

	coffSymClassExternal     = 2
	coffSymClassStatic       = 3
	coffSymClassWeakExternal = 105

	coffSymTypeFunction = 0x20

	coffSymbolSize = 18
)

var coffMachineMap = map[uint16]string{
	coffMachineI386:  "x86",
	coffMachineAmd64: "x86_64",
	coffMachineArm:   "arm",
	coffMachineArm64: "arm64",
}

type coffHdr struct {
	Machine         uint16
	Nsections       uint16
	TimeDateStamp   uint32
	SymtabOffset    uint32
	Nsymbols        uint32
	OptHdrSize      uint16
	Characteristics uint16
}

// Leading fields of the optional header, enough for the entry point.
type peOpt32 struct {
	Magic       uint16
	MajorLinker uint8
	MinorLinker uint8
	CodeSize    uint32
	InitSize    uint32
	UninitSize  uint32
	EntryRVA    uint32
	CodeBase    uint32
	DataBase    uint32
	ImageBase   uint32
}

type peOpt64 struct {
	Magic       uint16
	MajorLinker uint8
	MinorLinker uint8
	CodeSize    uint32
	InitSize    uint32
	UninitSize  uint32
	EntryRVA    uint32
	CodeBase    uint32
	ImageBase   uint64
}

type peSectionHdr struct {
	Name            [8]byte
	VirtualSize     uint32
	VirtualAddr     uint32
	RawSize         uint32
	RawOffset       uint32
	RelocOffset     uint32
	LineOffset      uint32
	Nrelocs         uint16
	Nlines          uint16
	Characteristics uint32
}

type coffSymbolEnt struct {
	Name    [8]byte
	Value   uint32
	Section int16
	Type    uint16
	Class   uint8
	Naux    uint8
}

type peRelocEnt struct {
	VirtualAddr uint32
	SymbolIndex uint32
	Type        uint16
}

type PEFile struct {
	ObjBase
	c       Cursor
	machine uint16

	symtabOff uint32
	nsymbols  uint32
	sects     []peSectionHdr

	secOnce sync.Once
	secs    []models.Section
	secErr  error

	symOnce sync.Once
	syms    []models.Symbol
	symErr  error
}

// NewPEFile skips the MS-DOS stub via the pointer at 0x3c, then decodes
// the COFF file header, the optional image header, and the section table.
func NewPEFile(buf []byte) (*PEFile, error) {
	c := NewCursor(buf)
	sig, err := c.Bytes(0, 2)
	if err != nil || sig[0] != 'M' || sig[1] != 'Z' {
		return nil, errors.Wrap(models.ErrInvalidFormat, "missing MZ signature")
	}
	peOff32, err := c.Uint32(peSignatureOffsetLoc, binary.LittleEndian)
	if err != nil {
		return nil, errors.Wrap(models.ErrTruncated, "MS-DOS header")
	}
	peOff := uint64(peOff32)
	peSig, err := c.Bytes(peOff, 4)
	if err != nil {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "PE signature offset 0x%x out of file", peOff)
	}
	if string(peSig) != "PE\x00\x00" {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "bad PE signature %x", peSig)
	}

	var hdr coffHdr
	if _, err := unpackAt(c, peOff+4, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	p := &PEFile{
		c:         c,
		machine:   hdr.Machine,
		symtabOff: hdr.SymtabOffset,
		nsymbols:  hdr.Nsymbols,
	}
	p.byteOrder = binary.LittleEndian
	p.os = "windows"
	if name, ok := coffMachineMap[hdr.Machine]; ok {
		p.arch = name
	} else {
		p.arch = fmt.Sprintf("unknown(%d)", hdr.Machine)
	}
	switch hdr.Machine {
	case coffMachineAmd64, coffMachineArm64:
		p.bits = 64
	default:
		p.bits = 32
	}
	switch {
	case hdr.Characteristics&coffCharDLL != 0:
		p.typ = models.DYN
	case hdr.Characteristics&coffCharExecutableImage != 0:
		p.typ = models.EXEC
	default:
		p.typ = models.REL
	}

	optOff := peOff + 4 + 20 // signature + COFF file header
	if hdr.OptHdrSize > 0 {
		magic, err := c.Uint16(optOff, binary.LittleEndian)
		if err != nil {
			return nil, errors.Wrap(models.ErrTruncated, "optional header")
		}
		switch magic {
		case peOptMagic32:
			var opt peOpt32
			if uint64(hdr.OptHdrSize) >= 28 {
				if _, err := unpackAt(c, optOff, binary.LittleEndian, &opt); err != nil {
					return nil, err
				}
				p.bits = 32
				if opt.EntryRVA != 0 {
					p.entry = uint64(opt.ImageBase) + uint64(opt.EntryRVA)
				}
			}
		case peOptMagic64:
			var opt peOpt64
			if uint64(hdr.OptHdrSize) >= 32 {
				if _, err := unpackAt(c, optOff, binary.LittleEndian, &opt); err != nil {
					return nil, err
				}
				p.bits = 64
				if opt.EntryRVA != 0 {
					p.entry = opt.ImageBase + uint64(opt.EntryRVA)
				}
			}
		default:
			return nil, errors.Wrapf(models.ErrInvalidFormat, "bad optional header magic 0x%x", magic)
		}
	}

	sectOff := optOff + uint64(hdr.OptHdrSize)
	p.sects = make([]peSectionHdr, 0, hdr.Nsections)
	for i := uint64(0); i < uint64(hdr.Nsections); i++ {
		var sh peSectionHdr
		if _, err := unpackAt(c, sectOff+i*40, binary.LittleEndian, &sh); err != nil {
			return nil, errors.Wrapf(err, "section header %d", i)
		}
		if sh.Characteristics&coffScnUninitData == 0 && sh.RawSize != 0 {
			if _, err := c.Bytes(uint64(sh.RawOffset), uint64(sh.RawSize)); err != nil {
				return nil, errors.Wrapf(models.ErrInvalidFormat, "section %d: content range 0x%x+0x%x out of file", i, sh.RawOffset, sh.RawSize)
			}
		}
		p.sects = append(p.sects, sh)
	}
	return p, nil
}

// stringTable returns the COFF string table, which sits directly after
// the symbol table and starts with a 4-byte length that includes itself.
func (p *PEFile) stringTable() (Cursor, error) {
	if p.symtabOff == 0 {
		return Cursor{}, errors.Wrap(models.ErrInvalidFormat, "no COFF string table")
	}
	strOff := uint64(p.symtabOff) + uint64(p.nsymbols)*coffSymbolSize
	length, err := p.c.Uint32(strOff, binary.LittleEndian)
	if err != nil {
		return Cursor{}, errors.Wrap(models.ErrInvalidFormat, "COFF string table length out of file")
	}
	if length < 4 {
		return Cursor{}, errors.Wrapf(models.ErrInvalidFormat, "COFF string table length %d below minimum 4", length)
	}
	return p.c.Sub(strOff, uint64(length))
}

// coffName resolves an 8-byte inline name field. Short names are stored
// in place; longer ones live in the string table, referenced either as
// "/offset" (sections) or with a zero prefix word (symbols).
func (p *PEFile) coffName(raw [8]byte) (string, error) {
	if raw[0] == '/' {
		off, err := strconv.ParseUint(strings.TrimRight(string(raw[1:]), "\x00 "), 10, 32)
		if err != nil {
			return "", errors.Wrapf(models.ErrInvalidFormat, "bad long name reference %q", raw[:])
		}
		strs, err := p.stringTable()
		if err != nil {
			return "", err
		}
		return strs.CString(off)
	}
	if raw[0] == 0 && raw[1] == 0 && raw[2] == 0 && raw[3] == 0 {
		off := binary.LittleEndian.Uint32(raw[4:])
		strs, err := p.stringTable()
		if err != nil {
			return "", err
		}
		return strs.CString(uint64(off))
	}
	return strings.TrimRight(string(raw[:]), "\x00"), nil
}

func (p *PEFile) Sections() ([]models.Section, error) {
	p.secOnce.Do(func() {
		p.secs, p.secErr = p.parseSections()
	})
	return p.secs, p.secErr
}

func (p *PEFile) parseSections() ([]models.Section, error) {
	secs := make([]models.Section, 0, len(p.sects))
	for i, sh := range p.sects {
		name, err := p.coffName(sh.Name)
		if err != nil {
			p.warnf("section %d: %v", i, err)
			name = strings.TrimRight(string(sh.Name[:]), "\x00")
		}
		var flags models.SectionFlag
		flags |= models.SectionAlloc
		if sh.Characteristics&(coffScnCode|coffScnMemExecute) != 0 {
			flags |= models.SectionExec
		}
		if sh.Characteristics&coffScnMemWrite != 0 {
			flags |= models.SectionWrite
		}
		align := uint64(0)
		if a := sh.Characteristics >> 20 & 0xf; a > 0 {
			align = uint64(1) << (a - 1)
		}
		nobits := sh.Characteristics&coffScnUninitData != 0
		sec := models.Section{
			Name:   name,
			Addr:   uint64(sh.VirtualAddr),
			Offset: uint64(sh.RawOffset),
			Size:   uint64(sh.RawSize),
			Align:  align,
			Flags:  flags,
			NoBits: nobits,
		}
		if !nobits && sh.RawSize != 0 {
			sec.Data, _ = p.c.Bytes(uint64(sh.RawOffset), uint64(sh.RawSize))
		}
		secs = append(secs, sec)
	}
	return secs, nil
}

func (p *PEFile) Symbols() ([]models.Symbol, error) {
	p.symOnce.Do(func() {
		p.syms, p.symErr = p.parseSymbols()
	})
	return p.syms, p.symErr
}

func (p *PEFile) parseSymbols() ([]models.Symbol, error) {
	if p.symtabOff == 0 || p.nsymbols == 0 {
		return nil, nil
	}
	var syms []models.Symbol
	for i := uint64(0); i < uint64(p.nsymbols); i++ {
		var raw coffSymbolEnt
		if _, err := unpackAt(p.c, uint64(p.symtabOff)+i*coffSymbolSize, binary.LittleEndian, &raw); err != nil {
			return nil, errors.Wrapf(err, "symbol %d", i)
		}

		name, err := p.coffName(raw.Name)
		if err != nil {
			p.warnf("symbol %d: bad name, entry skipped", i)
			i += uint64(raw.Naux)
			continue
		}

		section := -1
		kind := models.SymNone
		switch {
		case raw.Section > 0:
			if int(raw.Section) > len(p.sects) {
				p.warnf("symbol %d (%q): section number %d out of range, entry skipped", i, name, raw.Section)
				i += uint64(raw.Naux)
				continue
			}
			section = int(raw.Section) - 1
		case raw.Section == 0:
			kind = models.SymUndef
		}
		if raw.Type&0xf0 == coffSymTypeFunction {
			kind = models.SymFunc
		}

		binding := models.BindLocal
		switch raw.Class {
		case coffSymClassExternal:
			binding = models.BindGlobal
		case coffSymClassWeakExternal:
			binding = models.BindWeak
		}

		syms = append(syms, models.Symbol{
			Name:    name,
			Value:   uint64(raw.Value),
			Binding: binding,
			Kind:    kind,
			Section: section,
		})

		// Aux records are not symbols; step over them.
		i += uint64(raw.Naux)
	}
	return syms, nil
}

func (p *PEFile) Relocations(section int) ([]models.Relocation, error) {
	if section < 0 || section >= len(p.sects) {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "no section with index %d", section)
	}
	sh := p.sects[section]
	if sh.Nrelocs == 0 {
		return nil, nil
	}
	out := make([]models.Relocation, 0, sh.Nrelocs)
	for i := uint64(0); i < uint64(sh.Nrelocs); i++ {
		var raw peRelocEnt
		if _, err := unpackAt(p.c, uint64(sh.RelocOffset)+i*10, binary.LittleEndian, &raw); err != nil {
			return nil, errors.Wrapf(err, "relocation %d in section %d", i, section)
		}
		if uint64(raw.SymbolIndex) >= uint64(p.nsymbols) {
			p.warnf("relocation %d in section %d: symbol index %d out of range, entry skipped", i, section, raw.SymbolIndex)
			continue
		}
		offset := uint64(raw.VirtualAddr)
		if raw.VirtualAddr >= sh.VirtualAddr {
			offset = uint64(raw.VirtualAddr - sh.VirtualAddr)
		}
		out = append(out, models.Relocation{
			Offset: offset,
			Symbol: int(raw.SymbolIndex),
			Kind:   p.relocKind(uint32(raw.Type)),
			Raw:    uint32(raw.Type),
		})
	}
	return out, nil
}

func (p *PEFile) relocKind(raw uint32) models.RelocKind {
	switch p.machine {
	case coffMachineAmd64:
		switch raw {
		case 0x0:
			return models.RelocNone
		case 0x1: // IMAGE_REL_AMD64_ADDR64
			return models.RelocAbs64
		case 0x2: // IMAGE_REL_AMD64_ADDR32
			return models.RelocAbs32
		case 0x4: // IMAGE_REL_AMD64_REL32
			return models.RelocPCRel32
		}
	case coffMachineI386:
		switch raw {
		case 0x0:
			return models.RelocNone
		case 0x6: // IMAGE_REL_I386_DIR32
			return models.RelocAbs32
		case 0x14: // IMAGE_REL_I386_REL32
			return models.RelocPCRel32
		}
	default:
		if raw == 0 {
			return models.RelocNone
		}
	}
	return models.RelocOther
}
