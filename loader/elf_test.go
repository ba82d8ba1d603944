package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthrasiir/readobj/models"
)

func le16(p []byte, v uint16) { binary.LittleEndian.PutUint16(p, v) }
func le32(p []byte, v uint32) { binary.LittleEndian.PutUint32(p, v) }
func le64(p []byte, v uint64) { binary.LittleEndian.PutUint64(p, v) }

// buildElf64 assembles a minimal ELF64 little-endian executable: a .text
// section at 0x40 (size 0x20), one global function symbol "main" at
// 0x1000, and optionally a .rela.text section with a single PC32 entry.
func buildElf64(withRela bool) []byte {
	var buf bytes.Buffer
	pad := func(align int) {
		for buf.Len()%align != 0 {
			buf.WriteByte(0)
		}
	}
	wr64 := func(vals ...uint64) {
		for _, v := range vals {
			var p [8]byte
			le64(p[:], v)
			buf.Write(p[:])
		}
	}
	wr32 := func(vals ...uint32) {
		for _, v := range vals {
			var p [4]byte
			le32(p[:], v)
			buf.Write(p[:])
		}
	}

	buf.Write(make([]byte, 64)) // header, patched below

	textOff := buf.Len() // 0x40
	buf.Write(bytes.Repeat([]byte{0x90}, 0x20))

	strtabOff := buf.Len()
	buf.WriteString("\x00main\x00")
	pad(8)

	symtabOff := buf.Len()
	buf.Write(make([]byte, 24)) // null symbol
	wr32(1)                     // st_name -> "main"
	buf.WriteByte(0x12)         // global | func
	buf.WriteByte(0)
	var p [2]byte
	le16(p[:], 1) // .text
	buf.Write(p[:])
	wr64(0x1000, 0x20)

	relaOff := 0
	if withRela {
		pad(8)
		relaOff = buf.Len()
		wr64(0x10)                // r_offset
		wr64(1<<32 | 2)           // symbol 1, R_X86_64_PC32
		wr64(0xfffffffffffffffc)  // addend -4
	}

	shstrOff := buf.Len()
	names := "\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00"
	relaName := len(names)
	if withRela {
		names += ".rela.text\x00"
	}
	buf.WriteString(names)
	pad(16)

	shoff := buf.Len()
	shdr := func(name, typ uint32, flags, addr, off, size uint64, link, info uint32, align, entsize uint64) {
		wr32(name, typ)
		wr64(flags, addr, off, size)
		wr32(link, info)
		wr64(align, entsize)
	}
	shdr(0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	shdr(1, 1, shfAlloc|shfExecinstr, 0x1000, uint64(textOff), 0x20, 0, 0, 16, 0)
	shdr(7, shtSymtab, 0, 0, uint64(symtabOff), 48, 3, 1, 8, 24)
	shdr(15, shtStrtab, 0, 0, uint64(strtabOff), 6, 0, 0, 1, 0)
	shdr(23, shtStrtab, 0, 0, uint64(shstrOff), uint64(len(names)), 0, 0, 1, 0)
	shnum := 5
	if withRela {
		shdr(uint32(relaName), shtRela, 0, 0, uint64(relaOff), 24, 2, 1, 8, 24)
		shnum = 6
	}

	out := buf.Bytes()
	copy(out, []byte{0x7f, 'E', 'L', 'F', elfClass64, elfData2LSB, 1})
	le16(out[16:], etExec)
	le16(out[18:], emX86_64)
	le32(out[20:], 1)
	le64(out[24:], 0x1000)
	le64(out[40:], uint64(shoff))
	le16(out[52:], 64)
	le16(out[58:], 64)
	le16(out[60:], uint16(shnum))
	le16(out[62:], 4)
	return out
}

func TestElfLoad(t *testing.T) {
	e, err := NewElfFile(buildElf64(false))
	require.NoError(t, err)
	assert.Equal(t, "x86_64", e.Arch())
	assert.Equal(t, 64, e.Bits())
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), e.ByteOrder())
	assert.Equal(t, uint64(0x1000), e.Entry())
	assert.Equal(t, models.EXEC, e.Type())
}

func TestElfSections(t *testing.T) {
	e, err := NewElfFile(buildElf64(false))
	require.NoError(t, err)
	secs, err := e.Sections()
	require.NoError(t, err)
	require.Len(t, secs, 5)

	text := secs[1]
	assert.Equal(t, ".text", text.Name)
	assert.Equal(t, uint64(0x40), text.Offset)
	assert.Equal(t, uint64(0x20), text.Size)
	assert.Equal(t, uint64(0x1000), text.Addr)
	assert.Equal(t, models.SectionAlloc|models.SectionExec, text.Flags)
	assert.False(t, text.NoBits)
}

func TestElfSectionRoundTrip(t *testing.T) {
	buf := buildElf64(false)
	e, err := NewElfFile(buf)
	require.NoError(t, err)
	secs, err := e.Sections()
	require.NoError(t, err)

	c := NewCursor(buf)
	for _, sec := range secs {
		if sec.Data == nil {
			continue
		}
		raw, err := c.Bytes(sec.Offset, sec.Size)
		require.NoError(t, err)
		assert.Equal(t, raw, sec.Data)
	}
}

func TestElfSymbols(t *testing.T) {
	e, err := NewElfFile(buildElf64(false))
	require.NoError(t, err)
	syms, err := e.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2) // null entry + main

	main := syms[1]
	assert.Equal(t, "main", main.Name)
	assert.Equal(t, uint64(0x1000), main.Value)
	assert.Equal(t, uint64(0x20), main.Size)
	assert.Equal(t, models.BindGlobal, main.Binding)
	assert.Equal(t, models.SymFunc, main.Kind)
	assert.Equal(t, 1, main.Section)
}

func TestElfSymbolsIdempotent(t *testing.T) {
	e, err := NewElfFile(buildElf64(false))
	require.NoError(t, err)
	first, err := e.Symbols()
	require.NoError(t, err)
	second, err := e.Symbols()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestElfRelocations(t *testing.T) {
	e, err := NewElfFile(buildElf64(true))
	require.NoError(t, err)
	relocs, err := e.Relocations(1)
	require.NoError(t, err)
	require.Len(t, relocs, 1)

	r := relocs[0]
	assert.Equal(t, uint64(0x10), r.Offset)
	assert.Equal(t, 1, r.Symbol)
	assert.Equal(t, models.RelocPCRel32, r.Kind)
	assert.Equal(t, uint32(2), r.Raw)
	assert.True(t, r.HasAddend)
	assert.Equal(t, int64(-4), r.Addend)

	// Sections without relocations yield an empty set, not an error.
	relocs, err = e.Relocations(3)
	require.NoError(t, err)
	assert.Empty(t, relocs)
}

func TestElfBadShstrndx(t *testing.T) {
	buf := buildElf64(false)
	le16(buf[62:], 9) // beyond the 5 declared sections

	e, err := NewElfFile(buf)
	require.NoError(t, err) // header itself is fine
	_, err = e.Sections()
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))
}

func TestElfBadSymbolNameSkipped(t *testing.T) {
	buf := buildElf64(false)
	e, err := NewElfFile(buf)
	require.NoError(t, err)
	secs, err := e.Sections()
	require.NoError(t, err)

	// Corrupt the name offset of the "main" symbol entry.
	symtabOff := secs[2].Offset
	le32(buf[symtabOff+24:], 0x4000)

	syms, err := e.Symbols()
	require.NoError(t, err)
	assert.Len(t, syms, 1) // only the null entry survives
	assert.NotEmpty(t, e.Warnings())
}

func TestElfBadRelocSymbolSkipped(t *testing.T) {
	buf := buildElf64(true)
	e, err := NewElfFile(buf)
	require.NoError(t, err)
	secs, err := e.Sections()
	require.NoError(t, err)

	relaOff := secs[5].Offset
	le64(buf[relaOff+8:], 99<<32|2) // symbol index way out of range

	relocs, err := e.Relocations(1)
	require.NoError(t, err)
	assert.Empty(t, relocs)
	assert.NotEmpty(t, e.Warnings())
}

func TestElfSectionOutOfFile(t *testing.T) {
	buf := buildElf64(false)
	e, err := NewElfFile(buf)
	require.NoError(t, err)
	shoff := binary.LittleEndian.Uint64(buf[40:])

	// Point .text way past the end of the buffer.
	le64(buf[shoff+64+24:], 0x100000)
	_, err = e.Sections()
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))
}

func TestElfTruncated(t *testing.T) {
	buf := buildElf64(false)
	_, err := NewElfFile(buf[:10])
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTruncated))

	_, err = NewElfFile(buf[:40])
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTruncated))
}

func TestElfBadClass(t *testing.T) {
	buf := buildElf64(false)
	buf[4] = 9
	_, err := NewElfFile(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))
}
