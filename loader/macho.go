package loader

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

const (
	machMagic32 = 0xfeedface
	machMagic64 = 0xfeedfacf

	machLoadCmdReqDyld = 0x80000000

	machCmdSegment    = 0x1
	machCmdSymtab     = 0x2
	machCmdUnixThread = 0x5
	machCmdSegment64  = 0x19
	machCmdMain       = 0x28 | machLoadCmdReqDyld

	machTypeObject   = 0x1
	machTypeExec     = 0x2
	machTypeDylib    = 0x6
	machTypeDylinker = 0x7

	// Section flags: low byte is the type, high bits are attributes.
	machSectZerofill    = 0x1
	machSectCstrings    = 0x2
	machSectGBZerofill  = 0xc
	machSectAttrPureIns = 0x80000000
	machSectAttrSomeIns = 0x00000400

	machNStab    = 0xe0
	machNExt     = 0x01
	machNType    = 0x0e
	machNSect    = 0x0e
	machNWeakDef = 0x0080

	machVMProtWrite = 0x2
)

var machCpuMap = map[uint32]string{
	7:          "x86",
	0x01000007: "x86_64",
	12:         "arm",
	0x0100000c: "arm64",
	18:         "ppc",
	0x01000012: "ppc64",
}

type machHdr struct {
	Magic      uint32
	Cpu        uint32
	SubCpu     uint32
	Filetype   uint32
	Ncmds      uint32
	Sizeofcmds uint32
	Flags      uint32
}

type machSeg32 struct {
	Name    [16]byte
	Addr    uint32
	Memsz   uint32
	Offset  uint32
	Filesz  uint32
	Maxprot uint32
	Prot    uint32
	Nsect   uint32
	Flag    uint32
}

type machSeg64 struct {
	Name    [16]byte
	Addr    uint64
	Memsz   uint64
	Offset  uint64
	Filesz  uint64
	Maxprot uint32
	Prot    uint32
	Nsect   uint32
	Flag    uint32
}

type machSect32 struct {
	Name      [16]byte
	Seg       [16]byte
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

type machSect64 struct {
	Name      [16]byte
	Seg       [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type machSymtabCmd struct {
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

type machNlist32 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

type machNlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

type machRelocEnt struct {
	Addr   uint32
	Packed uint32
}

// machSect is a section entry normalized across the 32/64 layouts, with
// its owning segment's name and protection attached.
type machSect struct {
	name    string
	seg     string
	segProt uint32
	addr    uint64
	size    uint64
	off     uint32
	align   uint32
	reloff  uint32
	nreloc  uint32
	flags   uint32
}

func (s machSect) nobits() bool {
	t := s.flags & 0xff
	return t == machSectZerofill || t == machSectGBZerofill
}

type MachOFile struct {
	ObjBase
	c        Cursor
	filetype uint32
	sects    []machSect
	symtab   *machSymtabCmd

	secOnce sync.Once
	secs    []models.Section

	symOnce sync.Once
	syms    []models.Symbol
	symErr  error
}

func cstr16(b [16]byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b[:])
}

// NewMachOFile parses the mach header and walks the load-command list.
// The command region is mandatory structure, so any malformed command is
// fatal; symbol and relocation tables stay lazy.
func NewMachOFile(buf []byte) (*MachOFile, error) {
	c := NewCursor(buf)
	rawMagic, err := c.Bytes(0, 4)
	if err != nil {
		return nil, errors.Wrap(models.ErrTruncated, "mach header magic")
	}

	var order binary.ByteOrder
	var bits int
	switch binary.BigEndian.Uint32(rawMagic) {
	case machMagic32:
		order, bits = binary.BigEndian, 32
	case machMagic64:
		order, bits = binary.BigEndian, 64
	default:
		switch binary.LittleEndian.Uint32(rawMagic) {
		case machMagic32:
			order, bits = binary.LittleEndian, 32
		case machMagic64:
			order, bits = binary.LittleEndian, 64
		default:
			return nil, errors.Wrapf(models.ErrInvalidFormat, "bad mach magic %x", rawMagic)
		}
	}

	var hdr machHdr
	if _, err := unpackAt(c, 0, order, &hdr); err != nil {
		return nil, err
	}

	m := &MachOFile{c: c, filetype: hdr.Filetype}
	m.bits = bits
	m.byteOrder = order
	m.os = "darwin"
	if name, ok := machCpuMap[hdr.Cpu]; ok {
		m.arch = name
	} else {
		m.arch = fmt.Sprintf("unknown(%d)", hdr.Cpu)
	}
	switch hdr.Filetype {
	case machTypeExec:
		m.typ = models.EXEC
	case machTypeDylib, machTypeDylinker:
		m.typ = models.DYN
	case machTypeObject:
		m.typ = models.REL
	default:
		m.typ = models.UNKNOWN
	}

	hdrSize := uint64(28)
	if bits == 64 {
		hdrSize = 32 // trailing reserved word
	}
	if err := m.walkCommands(hdrSize, hdr.Ncmds, hdr.Sizeofcmds); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MachOFile) walkCommands(hdrSize uint64, ncmds, sizeofcmds uint32) error {
	region, err := m.c.Sub(hdrSize, uint64(sizeofcmds))
	if err != nil {
		return errors.Wrapf(models.ErrInvalidFormat, "load command region 0x%x+0x%x out of file", hdrSize, sizeofcmds)
	}
	order := m.ByteOrder()

	var textAddr uint64
	var haveText bool
	var mainEntryOff uint64
	var haveMain bool

	pos := uint64(0)
	for i := uint32(0); i < ncmds; i++ {
		cmd, err := region.Uint32(pos, order)
		if err != nil {
			return errors.Wrapf(models.ErrInvalidFormat, "load command %d starts past the command region", i)
		}
		cmdsize, err := region.Uint32(pos+4, order)
		if err != nil {
			return errors.Wrapf(models.ErrInvalidFormat, "load command %d is missing its size field", i)
		}
		if cmdsize < 8 {
			return errors.Wrapf(models.ErrInvalidFormat, "load command %d has size %d, below the 8-byte minimum", i, cmdsize)
		}
		body, err := region.Sub(pos, uint64(cmdsize))
		if err != nil {
			return errors.Wrapf(models.ErrInvalidFormat, "load command %d (size %d) overruns the command region", i, cmdsize)
		}

		switch cmd {
		case machCmdSegment, machCmdSegment64:
			segName, segAddr, err := m.parseSegment(body, cmd == machCmdSegment64, order)
			if err != nil {
				return errors.Wrapf(err, "load command %d", i)
			}
			if segName == "__TEXT" {
				textAddr = segAddr
				haveText = true
			}
		case machCmdSymtab:
			var st machSymtabCmd
			if _, err := unpackAt(body, 8, order, &st); err != nil {
				return errors.Wrapf(models.ErrInvalidFormat, "load command %d: short symtab command", i)
			}
			m.symtab = &st
		case machCmdMain:
			if off, err := body.Uint64(8, order); err == nil {
				mainEntryOff = off
				haveMain = true
			}
		case machCmdUnixThread:
			// Register dump layout: instruction pointer at a fixed slot.
			ip := uint64(56)
			read32 := true
			if m.bits == 64 {
				ip = 144
				read32 = false
			}
			if read32 {
				if v, err := body.Uint32(ip, order); err == nil {
					m.entry = uint64(v)
				}
			} else {
				if v, err := body.Uint64(ip, order); err == nil {
					m.entry = v
				}
			}
		}
		pos += uint64(cmdsize)
	}

	// LC_MAIN stores an offset from the __TEXT base; resolve it after the
	// walk so command order does not matter.
	if haveMain {
		if haveText {
			m.entry = textAddr + mainEntryOff
		} else {
			m.entry = mainEntryOff
		}
	}
	return nil
}

// parseSegment decodes one LC_SEGMENT/LC_SEGMENT_64 body and appends its
// section entries. body covers the whole command including cmd/cmdsize.
func (m *MachOFile) parseSegment(body Cursor, is64 bool, order binary.ByteOrder) (string, uint64, error) {
	var segName string
	var segAddr uint64
	var prot, nsect uint32
	segHdrSize := uint64(8)
	if is64 {
		var seg machSeg64
		if _, err := unpackAt(body, 8, order, &seg); err != nil {
			return "", 0, errors.Wrap(models.ErrInvalidFormat, "short segment command")
		}
		segName, segAddr, prot, nsect = cstr16(seg.Name), seg.Addr, seg.Prot, seg.Nsect
		segHdrSize += 64
	} else {
		var seg machSeg32
		if _, err := unpackAt(body, 8, order, &seg); err != nil {
			return "", 0, errors.Wrap(models.ErrInvalidFormat, "short segment command")
		}
		segName, segAddr, prot, nsect = cstr16(seg.Name), uint64(seg.Addr), seg.Prot, seg.Nsect
		segHdrSize += 48
	}

	sectSize := uint64(68)
	if is64 {
		sectSize = 80
	}
	if uint64(nsect)*sectSize > body.Len()-segHdrSize {
		return "", 0, errors.Wrapf(models.ErrInvalidFormat, "segment %s declares %d sections but its command is too small", segName, nsect)
	}

	for j := uint32(0); j < nsect; j++ {
		off := segHdrSize + uint64(j)*sectSize
		var s machSect
		if is64 {
			var raw machSect64
			if _, err := unpackAt(body, off, order, &raw); err != nil {
				return "", 0, errors.Wrapf(models.ErrInvalidFormat, "segment %s: short section entry %d", segName, j)
			}
			s = machSect{
				name: cstr16(raw.Name), seg: cstr16(raw.Seg), segProt: prot,
				addr: raw.Addr, size: raw.Size, off: raw.Offset,
				align: raw.Align, reloff: raw.Reloff, nreloc: raw.Nreloc, flags: raw.Flags,
			}
		} else {
			var raw machSect32
			if _, err := unpackAt(body, off, order, &raw); err != nil {
				return "", 0, errors.Wrapf(models.ErrInvalidFormat, "segment %s: short section entry %d", segName, j)
			}
			s = machSect{
				name: cstr16(raw.Name), seg: cstr16(raw.Seg), segProt: prot,
				addr: uint64(raw.Addr), size: uint64(raw.Size), off: raw.Offset,
				align: raw.Align, reloff: raw.Reloff, nreloc: raw.Nreloc, flags: raw.Flags,
			}
		}
		if !s.nobits() {
			if _, err := m.c.Bytes(uint64(s.off), s.size); err != nil {
				return "", 0, errors.Wrapf(models.ErrInvalidFormat, "section %s.%s: content range 0x%x+0x%x out of file", s.seg, s.name, s.off, s.size)
			}
		}
		m.sects = append(m.sects, s)
	}
	return segName, segAddr, nil
}

func (m *MachOFile) Sections() ([]models.Section, error) {
	m.secOnce.Do(func() {
		secs := make([]models.Section, 0, len(m.sects))
		for _, s := range m.sects {
			var flags models.SectionFlag
			flags |= models.SectionAlloc
			if s.segProt&machVMProtWrite != 0 {
				flags |= models.SectionWrite
			}
			if s.flags&(machSectAttrPureIns|machSectAttrSomeIns) != 0 {
				flags |= models.SectionExec
			}
			if s.flags&0xff == machSectCstrings {
				flags |= models.SectionStrings
			}
			align := uint64(1)
			if s.align < 64 {
				align = uint64(1) << s.align
			}
			sec := models.Section{
				Name:   s.name,
				Addr:   s.addr,
				Offset: uint64(s.off),
				Size:   s.size,
				Align:  align,
				Flags:  flags,
				NoBits: s.nobits(),
			}
			if !s.nobits() {
				sec.Data, _ = m.c.Bytes(uint64(s.off), s.size)
			}
			secs = append(secs, sec)
		}
		m.secs = secs
	})
	return m.secs, nil
}

func (m *MachOFile) Symbols() ([]models.Symbol, error) {
	m.symOnce.Do(func() {
		m.syms, m.symErr = m.parseSymbols()
	})
	return m.syms, m.symErr
}

func (m *MachOFile) parseSymbols() ([]models.Symbol, error) {
	if m.symtab == nil {
		return nil, nil
	}
	st := m.symtab
	strs, err := m.c.Sub(uint64(st.Stroff), uint64(st.Strsize))
	if err != nil {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "string table 0x%x+0x%x out of file", st.Stroff, st.Strsize)
	}
	entSize := uint64(12)
	if m.bits == 64 {
		entSize = 16
	}
	order := m.ByteOrder()

	syms := make([]models.Symbol, 0, st.Nsyms)
	for i := uint64(0); i < uint64(st.Nsyms); i++ {
		off := uint64(st.Symoff) + i*entSize
		var strx uint32
		var typ, sect uint8
		var desc uint16
		var value uint64
		if m.bits == 32 {
			var raw machNlist32
			if _, err := unpackAt(m.c, off, order, &raw); err != nil {
				return nil, errors.Wrapf(err, "symbol %d", i)
			}
			strx, typ, sect, desc, value = raw.Strx, raw.Type, raw.Sect, raw.Desc, uint64(raw.Value)
		} else {
			var raw machNlist64
			if _, err := unpackAt(m.c, off, order, &raw); err != nil {
				return nil, errors.Wrapf(err, "symbol %d", i)
			}
			strx, typ, sect, desc, value = raw.Strx, raw.Type, raw.Sect, raw.Desc, raw.Value
		}

		name := ""
		if strx != 0 {
			name, err = strs.CString(uint64(strx))
			if err != nil {
				m.warnf("symbol %d: bad name offset 0x%x, entry skipped", i, strx)
				continue
			}
		}

		section := -1
		if sect != 0 {
			if int(sect) > len(m.sects) {
				m.warnf("symbol %d (%q): section ordinal %d out of range, entry skipped", i, name, sect)
				continue
			}
			section = int(sect) - 1
		}

		binding := models.BindLocal
		if typ&machNExt != 0 {
			binding = models.BindGlobal
		}
		if desc&machNWeakDef != 0 {
			binding = models.BindWeak
		}

		kind := models.SymNone
		if typ&machNStab == 0 {
			switch typ & machNType {
			case 0x0:
				if section < 0 {
					kind = models.SymUndef
				}
			case machNSect:
				// The nlist encodes no function/data distinction; take
				// it from the owning section.
				kind = models.SymData
				if section >= 0 && m.sects[section].flags&(machSectAttrPureIns|machSectAttrSomeIns) != 0 {
					kind = models.SymFunc
				}
			}
		}

		syms = append(syms, models.Symbol{
			Name:    name,
			Value:   value,
			Binding: binding,
			Kind:    kind,
			Section: section,
		})
	}
	return syms, nil
}

func (m *MachOFile) Relocations(section int) ([]models.Relocation, error) {
	if section < 0 || section >= len(m.sects) {
		return nil, errors.Wrapf(models.ErrInvalidFormat, "no section with index %d", section)
	}
	s := m.sects[section]
	if s.nreloc == 0 {
		return nil, nil
	}
	order := m.ByteOrder()
	var nsyms uint64
	if m.symtab != nil {
		nsyms = uint64(m.symtab.Nsyms)
	}

	out := make([]models.Relocation, 0, s.nreloc)
	for i := uint64(0); i < uint64(s.nreloc); i++ {
		off := uint64(s.reloff) + i*8
		var raw machRelocEnt
		if _, err := unpackAt(m.c, off, order, &raw); err != nil {
			return nil, errors.Wrapf(err, "relocation %d in section %s", i, s.name)
		}
		if raw.Addr&(1<<31) != 0 {
			// Scattered relocation; no symbol reference to validate.
			out = append(out, models.Relocation{
				Offset: uint64(raw.Addr & 0x00ffffff),
				Symbol: -1,
				Kind:   models.RelocOther,
				Raw:    raw.Addr >> 24 & 0xf,
			})
			continue
		}

		var symnum uint32
		var pcrel, ext bool
		var length, typ uint8
		if order == binary.LittleEndian {
			symnum = raw.Packed & (1<<24 - 1)
			pcrel = raw.Packed&(1<<24) != 0
			length = uint8(raw.Packed >> 25 & 3)
			ext = raw.Packed&(1<<27) != 0
			typ = uint8(raw.Packed >> 28)
		} else {
			symnum = raw.Packed >> 8
			pcrel = raw.Packed&(1<<7) != 0
			length = uint8(raw.Packed >> 5 & 3)
			ext = raw.Packed&(1<<4) != 0
			typ = uint8(raw.Packed & 0xf)
		}

		r := models.Relocation{
			Offset: uint64(raw.Addr),
			Symbol: -1,
			Raw:    uint32(typ),
		}
		if ext {
			if uint64(symnum) >= nsyms {
				m.warnf("relocation %d in section %s: symbol index %d out of range, entry skipped", i, s.name, symnum)
				continue
			}
			r.Symbol = int(symnum)
		}
		switch {
		case pcrel && length == 2:
			r.Kind = models.RelocPCRel32
		case !pcrel && length == 3:
			r.Kind = models.RelocAbs64
		case !pcrel && length == 2:
			r.Kind = models.RelocAbs32
		default:
			r.Kind = models.RelocOther
		}
		out = append(out, r)
	}
	return out, nil
}
