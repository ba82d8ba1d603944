package loader

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ObjBase carries the scalar facts every reader decodes from its file
// header, plus the shared warning sink for skipped per-entry problems.
type ObjBase struct {
	arch      string
	bits      int
	byteOrder binary.ByteOrder
	os        string
	entry     uint64
	typ       int

	mu       sync.Mutex
	warnings []error
}

func (o *ObjBase) Arch() string {
	return o.arch
}

func (o *ObjBase) Bits() int {
	return o.bits
}

func (o *ObjBase) ByteOrder() binary.ByteOrder {
	if o.byteOrder == nil {
		return binary.LittleEndian
	}
	return o.byteOrder
}

func (o *ObjBase) OS() string {
	return o.os
}

func (o *ObjBase) Entry() uint64 {
	return o.entry
}

func (o *ObjBase) Type() int {
	return o.typ
}

func (o *ObjBase) Warnings() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]error, len(o.warnings))
	copy(out, o.warnings)
	return out
}

func (o *ObjBase) warnf(format string, args ...interface{}) {
	o.mu.Lock()
	o.warnings = append(o.warnings, fmt.Errorf(format, args...))
	o.mu.Unlock()
}
