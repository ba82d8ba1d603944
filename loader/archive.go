package loader

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lifthrasiir/readobj/models"
)

const arHeaderSize = 60

// Archive is a parsed Unix ar envelope. Members hold byte ranges into
// the archive buffer; meta members (the symbol index and the extended
// name table) are consumed during parsing and not exposed.
type Archive struct {
	// Thin archives store member names only; Member.Data is nil.
	Thin    bool
	Members []models.Member
}

// ReadArchive walks the member headers of an ar buffer. Member payloads
// are padded to even offsets; parsing stops cleanly at the buffer end.
func ReadArchive(buf []byte) (*Archive, error) {
	c := NewCursor(buf)
	magic, err := c.Bytes(0, 8)
	if err != nil {
		return nil, errors.Wrap(models.ErrTruncated, "archive global header")
	}
	thin := false
	switch {
	case bytes.Equal(magic, arMagic):
	case bytes.Equal(magic, thinArMagic):
		thin = true
	default:
		return nil, errors.WithStack(models.ErrUnknownFormat)
	}

	ar := &Archive{Thin: thin}
	var extNames []byte
	pos := uint64(8)
	for pos < c.Len() {
		// A single trailing newline of padding is fine.
		if c.Len()-pos == 1 && buf[pos] == '\n' {
			break
		}
		hdr, err := c.Bytes(pos, arHeaderSize)
		if err != nil {
			return nil, errors.Wrapf(models.ErrInvalidFormat, "truncated member header at 0x%x", pos)
		}
		if hdr[58] != 0x60 || hdr[59] != '\n' {
			return nil, errors.Wrapf(models.ErrInvalidFormat, "bad member header terminator at 0x%x", pos)
		}

		name := strings.TrimRight(string(hdr[0:16]), " ")
		sizeField := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseUint(sizeField, 10, 63)
		if err != nil {
			return nil, errors.Wrapf(models.ErrInvalidFormat, "member %q: bad size field %q", name, sizeField)
		}

		m := models.Member{
			Offset:  pos + arHeaderSize,
			Size:    size,
			ModTime: arNumber(hdr[16:28], 10),
			UID:     int(arNumber(hdr[28:34], 10)),
			GID:     int(arNumber(hdr[34:40], 10)),
			Mode:    uint32(arNumber(hdr[40:48], 8)),
		}

		// The name table and symbol index always carry their payload,
		// even in thin archives.
		meta := name == "/" || name == "//" || name == "/SYM64/"
		dataOff := pos + arHeaderSize
		if !thin || meta {
			m.Data, err = c.Bytes(dataOff, size)
			if err != nil {
				return nil, errors.Wrapf(models.ErrInvalidFormat, "member %q: payload 0x%x+0x%x out of file", name, dataOff, size)
			}
			pos = dataOff + size
		} else {
			pos = dataOff
		}
		if pos&1 == 1 {
			pos++
		}

		switch {
		case name == "//":
			extNames = m.Data
			continue
		case meta:
			continue
		case strings.HasPrefix(name, "#1/"):
			// BSD: the real name is stored at the front of the payload.
			nameLen, err := strconv.ParseUint(name[3:], 10, 32)
			if err != nil || nameLen > uint64(len(m.Data)) {
				return nil, errors.Wrapf(models.ErrInvalidFormat, "member at 0x%x: bad inline name length %q", pos, name)
			}
			m.Name = strings.TrimRight(string(m.Data[:nameLen]), "\x00")
			m.Offset += nameLen
			m.Size -= nameLen
			m.Data = m.Data[nameLen:]
		case strings.HasPrefix(name, "/"):
			// GNU: reference into the extended name table.
			off, err := strconv.ParseUint(name[1:], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(models.ErrInvalidFormat, "member at 0x%x: bad name reference %q", pos, name)
			}
			resolved, err := extName(extNames, off)
			if err != nil {
				return nil, err
			}
			m.Name = resolved
		default:
			m.Name = strings.TrimSuffix(name, "/")
		}
		ar.Members = append(ar.Members, m)
	}
	return ar, nil
}

// extName looks up one entry of the GNU "//" member: names separated by
// "/\n", referenced by byte offset.
func extName(table []byte, off uint64) (string, error) {
	if table == nil {
		return "", errors.Wrap(models.ErrInvalidFormat, "long name used without an extended name table")
	}
	if off >= uint64(len(table)) {
		return "", errors.Wrapf(models.ErrInvalidFormat, "name offset %d outside extended name table (%d bytes)", off, len(table))
	}
	rest := table[off:]
	if i := bytes.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	return string(bytes.TrimSuffix(bytes.TrimRight(rest, "\r"), []byte("/"))), nil
}

func arNumber(field []byte, base int) int64 {
	s := strings.TrimSpace(string(field))
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0
	}
	return n
}
