package loader

import (
	"bytes"
)

// Format identifies a container recognized by its magic prefix.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatMachOFat
	FormatPE
	FormatArchive
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatMachOFat:
		return "macho-fat"
	case FormatPE:
		return "pe"
	case FormatArchive:
		return "archive"
	}
	return "unknown"
}

var (
	elfMagic    = []byte{0x7f, 0x45, 0x4c, 0x46}
	fatMagic    = []byte{0xca, 0xfe, 0xba, 0xbe}
	arMagic     = []byte("!<arch>\n")
	thinArMagic = []byte("!<thin>\n")

	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xcf, 0xfa, 0xed, 0xfe},
	}
)

// Detect classifies a buffer by its first few bytes. It never reads more
// than 8 bytes and returns FormatUnknown for anything ambiguous or short.
func Detect(buf []byte) Format {
	if len(buf) >= 8 && (bytes.Equal(buf[:8], arMagic) || bytes.Equal(buf[:8], thinArMagic)) {
		return FormatArchive
	}
	if len(buf) < 4 {
		return FormatUnknown
	}
	magic := buf[:4]
	if bytes.Equal(magic, elfMagic) {
		return FormatELF
	}
	if bytes.Equal(magic, fatMagic) {
		return FormatMachOFat
	}
	for _, m := range machoMagics {
		if bytes.Equal(magic, m) {
			return FormatMachO
		}
	}
	if magic[0] == 'M' && magic[1] == 'Z' {
		return FormatPE
	}
	return FormatUnknown
}
