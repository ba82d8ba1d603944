package loader

import (
	"bytes"
	"fmt"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthrasiir/readobj/models"
)

func arHeader(name string, size int) []byte {
	return []byte(fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10s`\n",
		name, "1400000000", "1000", "1000", "644", strconv.Itoa(size)))
}

const longName = "this_is_a_really_long_member_name.o"

// buildArchive assembles a GNU-flavored archive: an extended name table,
// one member referenced through it (holding a real ELF object), a member
// with an inline short name, and one BSD-style #1/N member.
func buildArchive() []byte {
	elf := buildElf64(false)
	ext := longName + "/\n"

	var buf bytes.Buffer
	pad := func() {
		if buf.Len()&1 == 1 {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("!<arch>\n")
	buf.Write(arHeader("//", len(ext)))
	buf.WriteString(ext)
	pad()
	buf.Write(arHeader("/0", len(elf)))
	buf.Write(elf)
	pad()
	buf.Write(arHeader("short.o/", 3))
	buf.WriteString("xyz")
	pad()
	bsdName := "bsd-long-name.o\x00\x00\x00\x00\x00" // padded to 20
	buf.Write(arHeader("#1/20", 20+4))
	buf.WriteString(bsdName)
	buf.WriteString("DATA")
	pad()
	return buf.Bytes()
}

func TestArchiveMembers(t *testing.T) {
	ar, err := ReadArchive(buildArchive())
	require.NoError(t, err)
	require.Len(t, ar.Members, 3)
	assert.False(t, ar.Thin)

	assert.Equal(t, longName, ar.Members[0].Name)
	assert.Equal(t, "short.o", ar.Members[1].Name)
	assert.Equal(t, []byte("xyz"), ar.Members[1].Data)
	assert.Equal(t, "bsd-long-name.o", ar.Members[2].Name)
	assert.Equal(t, []byte("DATA"), ar.Members[2].Data)

	for _, m := range ar.Members {
		assert.Equal(t, int64(1400000000), m.ModTime)
		assert.Equal(t, 1000, m.UID)
		assert.Equal(t, uint32(0o644), m.Mode)
	}
}

func TestArchiveMemberRange(t *testing.T) {
	buf := buildArchive()
	ar, err := ReadArchive(buf)
	require.NoError(t, err)

	// A member's byte range points back into the archive buffer.
	for _, m := range ar.Members {
		require.Equal(t, buf[m.Offset:m.Offset+m.Size], m.Data)
	}
}

func TestArchiveMemberRedispatch(t *testing.T) {
	ar, err := ReadArchive(buildArchive())
	require.NoError(t, err)

	require.Equal(t, FormatELF, Detect(ar.Members[0].Data))
	obj, err := Load(ar.Members[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "x86_64", obj.Arch())

	syms, err := obj.Symbols()
	require.NoError(t, err)
	assert.Len(t, syms, 2)
}

func TestArchiveTruncatedHeader(t *testing.T) {
	buf := append([]byte("!<arch>\n"), make([]byte, 30)...)
	_, err := ReadArchive(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))
}

func TestArchiveBadNameReference(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	buf.Write(arHeader("/999", 2))
	buf.WriteString("ab")
	_, err := ReadArchive(buf.Bytes())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))
}

func TestArchiveOverrunningPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("!<arch>\n")
	buf.Write(arHeader("a.o/", 4096))
	buf.WriteString("ab")
	_, err := ReadArchive(buf.Bytes())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidFormat))
}

func TestArchiveEmpty(t *testing.T) {
	ar, err := ReadArchive([]byte("!<arch>\n"))
	require.NoError(t, err)
	assert.Empty(t, ar.Members)
}

func TestArchiveNotAnArchive(t *testing.T) {
	_, err := ReadArchive([]byte("definitely not ar"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownFormat))

	_, err = ReadArchive([]byte("!<"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTruncated))
}

func TestThinArchive(t *testing.T) {
	ext := longName + "/\n"
	var buf bytes.Buffer
	buf.WriteString("!<thin>\n")
	buf.Write(arHeader("//", len(ext)))
	buf.WriteString(ext)
	if buf.Len()&1 == 1 {
		buf.WriteByte('\n')
	}
	buf.Write(arHeader("/0", 1234)) // size describes the external file

	ar, err := ReadArchive(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, ar.Thin)
	require.Len(t, ar.Members, 1)
	assert.Equal(t, longName, ar.Members[0].Name)
	assert.Nil(t, ar.Members[0].Data)
	assert.Equal(t, uint64(1234), ar.Members[0].Size)
}
