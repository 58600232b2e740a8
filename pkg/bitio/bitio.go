// Package bitio packs and unpacks palette indices narrower than a byte.
// Indices are stored MSB first, the layout BMP and PNG share for 1, 2 and
// 4 bit rows.
package bitio

import (
	"fmt"
	"io"
)

// ValidDepth reports whether depth is an index width this package handles.
func ValidDepth(depth int) bool {
	return depth == 1 || depth == 2 || depth == 4 || depth == 8
}

// Writer appends fixed-width indices to a byte slice.
type Writer struct {
	out   []byte
	depth uint
	mask  byte
	acc   byte
	used  uint // bits of acc already filled
}

// NewWriter packs depth-bit indices, reusing dst's storage. depth must
// satisfy ValidDepth.
func NewWriter(dst []byte, depth int) *Writer {
	return &Writer{out: dst[:0], depth: uint(depth), mask: byte(1<<depth - 1)}
}

// Put appends one index. Bits above the depth are dropped.
func (w *Writer) Put(v byte) {
	w.acc |= (v & w.mask) << (8 - w.depth - w.used)
	w.used += w.depth
	if w.used == 8 {
		w.out = append(w.out, w.acc)
		w.acc, w.used = 0, 0
	}
}

// Bytes pads a partial trailing byte with zeros and returns the packed row.
func (w *Writer) Bytes() []byte {
	if w.used > 0 {
		w.out = append(w.out, w.acc)
		w.acc, w.used = 0, 0
	}
	return w.out
}

// Reader walks fixed-width indices out of a packed row.
type Reader struct {
	src   []byte
	depth uint
	mask  byte
	pos   int // bit offset into src
}

// NewReader reads depth-bit indices from src. depth must satisfy ValidDepth.
func NewReader(src []byte, depth int) *Reader {
	return &Reader{src: src, depth: uint(depth), mask: byte(1<<depth - 1)}
}

// Next returns the next index, or io.ErrUnexpectedEOF once src is used up.
func (r *Reader) Next() (byte, error) {
	i := r.pos / 8
	if i >= len(r.src) {
		return 0, io.ErrUnexpectedEOF
	}
	shift := 8 - r.depth - uint(r.pos%8)
	r.pos += int(r.depth)
	return r.src[i] >> shift & r.mask, nil
}

// Unpack expands n depth-bit values from src into one byte each in dst.
func Unpack(dst, src []byte, depth, n int) error {
	if !ValidDepth(depth) {
		return fmt.Errorf("bitio: depth %d", depth)
	}
	if len(src) < PackedLen(n, depth) {
		return io.ErrUnexpectedEOF
	}
	if depth == 8 {
		copy(dst[:n], src[:n])
		return nil
	}
	r := NewReader(src, depth)
	for i := 0; i < n; i++ {
		dst[i], _ = r.Next()
	}
	return nil
}

// Pack is the inverse of Unpack. It returns the packed bytes, padded to a
// whole byte, reusing dst when it has room.
func Pack(dst, src []byte, depth int) []byte {
	if depth == 8 {
		return append(dst[:0], src...)
	}
	w := NewWriter(dst, depth)
	for _, v := range src {
		w.Put(v)
	}
	return w.Bytes()
}

// PackedLen returns the number of bytes n depth-bit values occupy.
func PackedLen(n, depth int) int {
	return (n*depth + 7) / 8
}
