package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

// FatArch describes one architecture slice of a universal binary. Data
// is a sub-slice of the fat buffer; pass it to NewMachOFile (or Load) to
// parse that slice.
type FatArch struct {
	CPU    uint32
	SubCPU uint32
	Arch   string
	Offset uint64
	Size   uint64
	Data   []byte
}

// The slice table is always big-endian, regardless of the slices.
type fatArchEnt struct {
	Cpu    uint32
	SubCpu uint32
	Offset uint32
	Size   uint32
	Align  uint32
}

// FatSlices decodes the slice table of a fat/universal Mach-O buffer.
func FatSlices(buf []byte) ([]FatArch, error) {
	c := NewCursor(buf)
	magic, err := c.Bytes(0, 4)
	if err != nil || !bytes.Equal(magic, fatMagic) {
		return nil, errors.Wrap(models.ErrInvalidFormat, "not a fat mach-o buffer")
	}
	count, err := c.Uint32(4, binary.BigEndian)
	if err != nil {
		return nil, errors.Wrap(models.ErrTruncated, "fat header")
	}
	if count == 0 {
		return nil, errors.Wrap(models.ErrInvalidFormat, "fat binary with no slices")
	}

	out := make([]FatArch, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		var ent fatArchEnt
		if _, err := unpackAt(c, 8+i*20, binary.BigEndian, &ent); err != nil {
			return nil, errors.Wrapf(err, "fat slice %d", i)
		}
		data, err := c.Bytes(uint64(ent.Offset), uint64(ent.Size))
		if err != nil {
			return nil, errors.Wrapf(models.ErrInvalidFormat, "fat slice %d: range 0x%x+0x%x out of file", i, ent.Offset, ent.Size)
		}
		arch := ""
		if name, ok := machCpuMap[ent.Cpu]; ok {
			arch = name
		} else {
			arch = fmt.Sprintf("unknown(%d)", ent.Cpu)
		}
		out = append(out, FatArch{
			CPU:    ent.Cpu,
			SubCPU: ent.SubCpu,
			Arch:   arch,
			Offset: uint64(ent.Offset),
			Size:   uint64(ent.Size),
			Data:   data,
		})
	}
	return out, nil
}

// NewFatFile opens the slice matching the architecture hint ("any" takes
// the first slice).
func NewFatFile(buf []byte, archHint string) (*MachOFile, error) {
	slices, err := FatSlices(buf)
	if err != nil {
		return nil, err
	}
	for _, a := range slices {
		if archHint == "any" || a.Arch == archHint {
			return NewMachOFile(a.Data)
		}
	}
	return nil, errors.Wrapf(models.ErrInvalidFormat, "no fat slice for arch %q", archHint)
}
