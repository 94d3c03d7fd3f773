package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is reported when a read reaches past the end of the payload.
var ErrShortBuffer = errors.New("read beyond end of buffer")

// Buffer is a read cursor over a response payload.
//
// Positions are addresses: byte offsets for a buffer made by NewBuffer, register
// numbers for one made by NewRegisterBuffer. The first failing read is kept and
// reported by Err; later reads return zero values.
type Buffer struct {
	data   []byte
	pos    int
	origin int
	stride int
	err    error
}

// NewBuffer creates a byte addressed buffer, address 0 being the first byte of data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, stride: 1}
}

// NewRegisterBuffer creates a register addressed buffer, register first being the
// first two bytes of data.
func NewRegisterBuffer(data []byte, first int) *Buffer {
	return &Buffer{data: data, origin: first, stride: 2}
}

// Len returns the payload length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the whole payload.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Err returns the first read error since the last Reset.
func (b *Buffer) Err() error {
	return b.err
}

// Reset clears the read error.
func (b *Buffer) Reset() {
	b.err = nil
}

// Seek moves the cursor to addr.
func (b *Buffer) Seek(addr int) {
	pos := (addr - b.origin) * b.stride
	if pos < 0 || pos > len(b.data) {
		b.fail(fmt.Errorf("%w: address %d outside of %d bytes", ErrShortBuffer, addr, len(b.data)))
		return
	}
	b.pos = pos
}

// Read returns the next n bytes and advances the cursor.
func (b *Buffer) Read(n int) []byte {
	if b.err != nil {
		return make([]byte, n)
	}
	if b.pos+n > len(b.data) {
		b.fail(fmt.Errorf("%w: %d bytes at position %d of %d", ErrShortBuffer, n, b.pos, len(b.data)))
		return make([]byte, n)
	}
	data := b.data[b.pos : b.pos+n]
	b.pos += n
	return data
}

func (b *Buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Int8 reads a signed byte.
func (b *Buffer) Int8() int {
	return int(int8(b.Read(1)[0]))
}

// Uint8 reads an unsigned byte.
func (b *Buffer) Uint8() int {
	return int(b.Read(1)[0])
}

// Int16 reads a big-endian signed 16-bit integer.
func (b *Buffer) Int16() int {
	return int(int16(binary.BigEndian.Uint16(b.Read(2))))
}

// Uint16 reads a big-endian unsigned 16-bit integer.
func (b *Buffer) Uint16() int {
	return int(binary.BigEndian.Uint16(b.Read(2)))
}

// Int32 reads a big-endian signed 32-bit integer.
func (b *Buffer) Int32() int {
	return int(int32(binary.BigEndian.Uint32(b.Read(4))))
}

// Uint32 reads a big-endian unsigned 32-bit integer.
func (b *Buffer) Uint32() int {
	return int(binary.BigEndian.Uint32(b.Read(4)))
}

// Int8At reads a signed byte at addr.
func (b *Buffer) Int8At(addr int) int {
	b.Seek(addr)
	return b.Int8()
}

// Int16At reads a signed 16-bit integer at addr.
func (b *Buffer) Int16At(addr int) int {
	b.Seek(addr)
	return b.Int16()
}

// Uint16At reads an unsigned 16-bit integer at addr.
func (b *Buffer) Uint16At(addr int) int {
	b.Seek(addr)
	return b.Uint16()
}

// Int32At reads a signed 32-bit integer at addr.
func (b *Buffer) Int32At(addr int) int {
	b.Seek(addr)
	return b.Int32()
}
