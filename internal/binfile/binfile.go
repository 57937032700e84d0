// Package binfile holds the little-endian primitives shared by the graph and
// history file formats: a growable Writer and a bounds-checked Reader with a
// sticky error, so decoders can read a whole record and check once.
package binfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxStringLen bounds a single length-prefixed string.
const MaxStringLen = 16 << 20

// ErrTruncated is reported when the input ends inside a record.
var ErrTruncated = errors.New("unexpected end of data")

// Writer appends encoded values to an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity hint n.
func NewWriter(n int) *Writer { return &Writer{buf: make([]byte, 0, n)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// String writes a u32 length followed by the bytes of s.
func (w *Writer) String(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Strings writes a u32 count followed by each string.
func (w *Writer) Strings(ss []string) {
	w.U32(uint32(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
}

// Reader decodes values from a byte slice. After the first failure every
// call returns a zero value and Err reports the failure.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader wraps data.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Err returns the first decoding failure.
func (r *Reader) Err() error { return r.err }

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Fail records err unless an earlier failure is already recorded.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("%w at offset %d (need %d bytes, have %d)", ErrTruncated, r.off, n, r.Remaining())
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Raw(n int) []byte { return r.take(n) }

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

// Bool reads one byte that must be 0 or 1.
func (r *Reader) Bool() bool {
	off := r.off
	v := r.U8()
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("invalid boolean byte %d at offset %d", v, off)
	}
	return v == 1
}

// String reads a u32 length-prefixed string.
func (r *Reader) String() string {
	off := r.off
	n := r.U32()
	if r.err != nil {
		return ""
	}
	if n > MaxStringLen {
		r.err = fmt.Errorf("string length %d at offset %d exceeds limit", n, off)
		return ""
	}
	return string(r.take(int(n)))
}

// Count reads a u32 element count and rejects counts that cannot fit in the
// remaining input given the minimum encoded size of one element.
func (r *Reader) Count(minElemSize int) int {
	off := r.off
	n := r.U32()
	if r.err != nil {
		return 0
	}
	if minElemSize > 0 && uint64(n)*uint64(minElemSize) > uint64(r.Remaining()) {
		r.err = fmt.Errorf("count %d at offset %d exceeds remaining %d bytes", n, off, r.Remaining())
		return 0
	}
	return int(n)
}

// Strings reads a u32 count followed by that many strings.
func (r *Reader) Strings() []string {
	n := r.Count(4)
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String())
	}
	return out
}

// ExpectEnd fails unless every byte has been consumed.
func (r *Reader) ExpectEnd() {
	if r.err == nil && r.Remaining() != 0 {
		r.err = fmt.Errorf("%d trailing bytes after offset %d", r.Remaining(), r.off)
	}
}
