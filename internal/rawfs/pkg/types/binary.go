package types

import (
	"encoding/binary"
	"fmt"
)

// Cursor is a bounds-checked little-endian reader over a fixed buffer.
// The first out-of-range access sets a sticky error; later reads return zero
// values so a whole structure can be decoded before checking Err once.
type Cursor struct {
	buf []byte
	pos int
	err error
}

// NewCursor creates a cursor positioned at the start of buf
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Err returns the first bounds violation, if any
func (c *Cursor) Err() error {
	return c.err
}

// Len returns the size of the underlying buffer
func (c *Cursor) Len() int {
	return len(c.buf)
}

// Pos returns the current position
func (c *Cursor) Pos() int {
	return c.pos
}

// Seek moves the cursor to an absolute position
func (c *Cursor) Seek(off int) {
	if off < 0 || off > len(c.buf) {
		c.fail(off, 0)
		return
	}
	c.pos = off
}

// Skip advances the cursor by n bytes
func (c *Cursor) Skip(n int) {
	c.Seek(c.pos + n)
}

func (c *Cursor) fail(off, n int) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrStructTooShort, n, off, len(c.buf))
	}
}

func (c *Cursor) window(off, n int) []byte {
	if c.err != nil {
		return nil
	}
	if off < 0 || n < 0 || off > len(c.buf)-n {
		c.fail(off, n)
		return nil
	}
	return c.buf[off : off+n]
}

func (c *Cursor) take(n int) []byte {
	b := c.window(c.pos, n)
	if b != nil {
		c.pos += n
	}
	return b
}

// Uint8 reads one byte
func (c *Cursor) Uint8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Uint16 reads a little-endian uint16
func (c *Cursor) Uint16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// Uint32 reads a little-endian uint32
func (c *Cursor) Uint32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// Uint64 reads a little-endian uint64
func (c *Cursor) Uint64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Bytes returns the next n bytes without copying
func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

// Uint8At reads one byte at an absolute offset
func (c *Cursor) Uint8At(off int) uint8 {
	if b := c.window(off, 1); b != nil {
		return b[0]
	}
	return 0
}

// Uint16At reads a little-endian uint16 at an absolute offset
func (c *Cursor) Uint16At(off int) uint16 {
	if b := c.window(off, 2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// Uint32At reads a little-endian uint32 at an absolute offset
func (c *Cursor) Uint32At(off int) uint32 {
	if b := c.window(off, 4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// Uint64At reads a little-endian uint64 at an absolute offset
func (c *Cursor) Uint64At(off int) uint64 {
	if b := c.window(off, 8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// BytesAt returns n bytes at an absolute offset without copying
func (c *Cursor) BytesAt(off, n int) []byte {
	return c.window(off, n)
}

// Sub returns a cursor over buf[off:off+n]. Violations of the parent
// bounds are recorded on the parent and the returned cursor is empty.
func (c *Cursor) Sub(off, n int) *Cursor {
	b := c.window(off, n)
	sub := &Cursor{buf: b}
	if b == nil {
		sub.err = c.err
	}
	return sub
}

// PutUint16At writes a little-endian uint16 at an absolute offset
func (c *Cursor) PutUint16At(off int, v uint16) {
	if b := c.window(off, 2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

// SignExtend interprets the low n bytes of b as a little-endian two's complement integer
func SignExtend(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return v << shift >> shift
}

// UnsignedLE interprets b as a little-endian unsigned integer of up to 8 bytes
func UnsignedLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
