package loader

import (
	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

// Load parses an object file held in memory and returns the unified view
// over it. Archives are not object files; use ReadArchive and feed each
// member back through Load.
func Load(buf []byte) (models.Object, error) {
	return LoadArch(buf, "any")
}

// LoadArch is Load with an architecture hint, which only matters for fat
// Mach-O buffers: the hint selects which slice to open ("any" takes the
// first one this package understands).
func LoadArch(buf []byte, arch string) (models.Object, error) {
	switch Detect(buf) {
	case FormatELF:
		return NewElfFile(buf)
	case FormatMachO:
		return NewMachOFile(buf)
	case FormatMachOFat:
		return NewFatFile(buf, arch)
	case FormatPE:
		return NewPEFile(buf)
	case FormatArchive:
		return nil, errors.Wrap(models.ErrInvalidFormat, "buffer is an archive, not an object file")
	default:
		return nil, errors.WithStack(models.ErrUnknownFormat)
	}
}
