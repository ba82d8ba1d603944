package loader

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthrasiir/readobj/models"
)

func TestCursorBytes(t *testing.T) {
	c := NewCursor([]byte{1, 2, 3, 4})

	p, err := c.Bytes(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, p)

	p, err = c.Bytes(4, 0)
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = c.Bytes(3, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))

	_, err = c.Bytes(5, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))
}

// A length chosen to wrap offset+length around must not pass validation.
func TestCursorOverflow(t *testing.T) {
	c := NewCursor(make([]byte, 16))
	_, err := c.Bytes(8, math.MaxUint64-4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))

	_, err = c.Bytes(math.MaxUint64, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))
}

func TestCursorInts(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})

	v16, err := c.Uint16(0, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v16)

	v16, err = c.Uint16(0, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), v16)

	v32, err := c.Uint32(2, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x06050403), v32)

	v64, err := c.Uint64(0, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	_, err = c.Uint64(1, binary.LittleEndian)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))
}

func TestCursorCString(t *testing.T) {
	c := NewCursor([]byte("abc\x00def"))

	s, err := c.CString(0)
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	_, err = c.CString(4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))

	_, err = c.CString(100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))
}

func TestCursorSub(t *testing.T) {
	c := NewCursor([]byte{1, 2, 3, 4, 5})
	sub, err := c.Sub(1, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sub.Len())

	// The sub-cursor is bounded by its own window, not the parent.
	_, err = sub.Bytes(2, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrOutOfBounds))
}

func TestUnpackAtTruncated(t *testing.T) {
	var hdr elf64Hdr
	_, err := unpackAt(NewCursor(make([]byte, 8)), 0, binary.LittleEndian, &hdr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTruncated))
}
