package models

// Member is one named byte range inside an archive. Data is a sub-slice
// of the archive buffer; feed it back through loader.Load to parse the
// member as an object file.
type Member struct {
	Name   string
	Offset uint64
	Size   uint64
	Data   []byte

	// Header metadata, parsed but not load-bearing.
	ModTime int64
	UID     int
	GID     int
	Mode    uint32
}
