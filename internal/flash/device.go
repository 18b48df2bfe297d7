package flash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// HalfwordSize is the program unit of internal flash.
const HalfwordSize = 2

// Erased is the value of an erased flash byte.
const Erased = 0xFF

// Storage is byte-addressable storage: external NOR flash, an EEPROM, or the
// backing store of a program flash model. *os.File satisfies it.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// ProgramFlash is internal program flash. Pages must be erased before a
// previously written halfword can be programmed again.
type ProgramFlash interface {
	ErasePages(addr uint32, count int) error
	WriteHalfwords(addr uint32, data []uint16) error
	Read(addr uint32, p []byte) error
}

// Buffer is an in-memory Storage. New buffers read as erased flash.
type Buffer struct {
	data []byte
}

// NewBuffer returns a Buffer of size bytes filled with Erased.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: bytes.Repeat([]byte{Erased}, size)}
}

// Bytes returns the underlying memory.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b.data)) {
		return 0, fmt.Errorf("read at 0x%X: out of range", off)
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes must fit entirely.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("write %d bytes at 0x%X: out of range", len(p), off)
	}
	return copy(b.data[off:], p), nil
}

// Internal models program flash on top of a Storage holding the raw image.
// Address FlashBase maps to offset 0 of the store.
type Internal struct {
	store    Storage
	base     uint32
	size     int
	pageSize int
}

// NewInternal returns program flash backed by store, sized by layout.
func NewInternal(store Storage, layout Layout) *Internal {
	return &Internal{
		store:    store,
		base:     layout.FlashBase,
		size:     layout.PageCount * layout.PageSize,
		pageSize: layout.PageSize,
	}
}

func (f *Internal) offset(addr uint32, length int) (int64, error) {
	if addr < f.base {
		return 0, fmt.Errorf("address 0x%08X below flash base 0x%08X", addr, f.base)
	}
	off := int64(addr - f.base)
	if off+int64(length) > int64(f.size) {
		return 0, fmt.Errorf("%d bytes at 0x%08X past end of flash", length, addr)
	}
	return off, nil
}

// ErasePages erases count pages starting at the page-aligned address addr.
func (f *Internal) ErasePages(addr uint32, count int) error {
	if count < 0 {
		return fmt.Errorf("negative page count %d", count)
	}
	off, err := f.offset(addr, count*f.pageSize)
	if err != nil {
		return err
	}
	if off%int64(f.pageSize) != 0 {
		return fmt.Errorf("address 0x%08X is not page aligned", addr)
	}

	blank := bytes.Repeat([]byte{Erased}, f.pageSize)
	for i := 0; i < count; i++ {
		if _, err := f.store.WriteAt(blank, off+int64(i*f.pageSize)); err != nil {
			return err
		}
	}
	return nil
}

// WriteHalfwords programs data at the halfword-aligned address addr. Every
// target halfword must be erased.
func (f *Internal) WriteHalfwords(addr uint32, data []uint16) error {
	if addr%HalfwordSize != 0 {
		return fmt.Errorf("address 0x%08X is not halfword aligned", addr)
	}
	off, err := f.offset(addr, len(data)*HalfwordSize)
	if err != nil {
		return err
	}

	current := make([]byte, len(data)*HalfwordSize)
	if _, err := f.store.ReadAt(current, off); err != nil {
		return err
	}
	for i := range data {
		if binary.LittleEndian.Uint16(current[i*HalfwordSize:]) != 0xFFFF {
			return fmt.Errorf("%w: 0x%08X", ErrNotErased, addr+uint32(i*HalfwordSize))
		}
	}

	buf := make([]byte, len(data)*HalfwordSize)
	for i, hw := range data {
		binary.LittleEndian.PutUint16(buf[i*HalfwordSize:], hw)
	}
	_, err = f.store.WriteAt(buf, off)
	return err
}

// Read copies len(p) bytes starting at addr.
func (f *Internal) Read(addr uint32, p []byte) error {
	off, err := f.offset(addr, len(p))
	if err != nil {
		return err
	}
	_, err = f.store.ReadAt(p, off)
	return err
}
