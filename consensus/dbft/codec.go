package dbft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/r3e-network/neo-dbft/types"
)

var errShortBuffer = errors.New("unexpected end of data")

// writer builds little-endian wire encodings.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) hash(h types.Hash)           { w.buf = append(w.buf, h[:]...) }
func (w *writer) signature(s types.Signature) { w.buf = append(w.buf, s[:]...) }

// varint writes a Neo-style variable length integer.
func (w *writer) varint(v uint64) {
	switch {
	case v < 0xFD:
		w.u8(uint8(v))
	case v <= 0xFFFF:
		w.u8(0xFD)
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
	case v <= 0xFFFFFFFF:
		w.u8(0xFE)
		w.u32(uint32(v))
	default:
		w.u8(0xFF)
		w.u64(v)
	}
}

func (w *writer) varbytes(b []byte) {
	w.varint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) bytes() []byte {
	return w.buf
}

// reader consumes a wire encoding; the first failure sticks.
type reader struct {
	data []byte
	pos  int
	err  error
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.pos < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d", errShortBuffer, n, r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bool() bool {
	v := r.u8()
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("invalid bool byte 0x%02x", v)
	}
	return v == 1
}

func (r *reader) hash() types.Hash {
	var h types.Hash
	copy(h[:], r.take(types.HashSize))
	return h
}

func (r *reader) signature() types.Signature {
	var s types.Signature
	copy(s[:], r.take(types.SignatureSize))
	return s
}

// varint reads a Neo-style variable length integer no larger than max.
func (r *reader) varint(max uint64) uint64 {
	var v uint64
	switch prefix := r.u8(); prefix {
	case 0xFD:
		v = uint64(r.u16())
	case 0xFE:
		v = uint64(r.u32())
	case 0xFF:
		v = r.u64()
	default:
		v = uint64(prefix)
	}
	if r.err == nil && v > max {
		r.err = fmt.Errorf("varint %d exceeds limit %d", v, max)
		return 0
	}
	return v
}

func (r *reader) varbytes(max int) []byte {
	n := r.varint(uint64(max))
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// finish reports the sticky error or trailing bytes.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.data) {
		return fmt.Errorf("%d trailing bytes", len(r.data)-r.pos)
	}
	return nil
}
