package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

// Cursor is a bounds-checked window over the input buffer. All reads are
// validated before touching memory; offset+length arithmetic is checked
// for wraparound so a huge length field can never pass validation. A
// Cursor never copies and never panics on bad input.
type Cursor struct {
	buf []byte
}

func NewCursor(buf []byte) Cursor {
	return Cursor{buf: buf}
}

func (c Cursor) Len() uint64 {
	return uint64(len(c.buf))
}

// Bytes returns the sub-slice [off, off+n) of the buffer.
func (c Cursor) Bytes(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off {
		return nil, errors.Wrapf(models.ErrOutOfBounds, "range 0x%x+0x%x wraps around", off, n)
	}
	if end > uint64(len(c.buf)) {
		return nil, errors.Wrapf(models.ErrOutOfBounds, "range 0x%x+0x%x exceeds buffer length 0x%x", off, n, len(c.buf))
	}
	return c.buf[off:end:end], nil
}

// Sub returns a Cursor restricted to [off, off+n).
func (c Cursor) Sub(off, n uint64) (Cursor, error) {
	p, err := c.Bytes(off, n)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{buf: p}, nil
}

func (c Cursor) Uint16(off uint64, order binary.ByteOrder) (uint16, error) {
	p, err := c.Bytes(off, 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(p), nil
}

func (c Cursor) Uint32(off uint64, order binary.ByteOrder) (uint32, error) {
	p, err := c.Bytes(off, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(p), nil
}

func (c Cursor) Uint64(off uint64, order binary.ByteOrder) (uint64, error) {
	p, err := c.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(p), nil
}

// CString reads a NUL-terminated string starting at off. A string running
// off the end of the window is invalid, not silently clamped.
func (c Cursor) CString(off uint64) (string, error) {
	if off > uint64(len(c.buf)) {
		return "", errors.Wrapf(models.ErrOutOfBounds, "string offset 0x%x exceeds buffer length 0x%x", off, len(c.buf))
	}
	rest := c.buf[off:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", errors.Wrapf(models.ErrInvalidFormat, "unterminated string at 0x%x", off)
	}
	return string(rest[:i]), nil
}

// unpackAt decodes a fixed-layout structure at off with the given byte
// order. The byte range is validated up front, so struc itself can never
// read past the buffer.
func unpackAt(c Cursor, off uint64, order binary.ByteOrder, i interface{}) (uint64, error) {
	size, err := struc.Sizeof(i)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	p, err := c.Bytes(off, uint64(size))
	if err != nil {
		return 0, errors.Wrapf(models.ErrTruncated, "structure at 0x%x needs 0x%x bytes", off, size)
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(p), i, order); err != nil {
		return 0, errors.WithStack(err)
	}
	return uint64(size), nil
}
