// Package gif implements the animated palette container for the codec
// engines. Frames are composited onto the logical screen by default
// (Options.Coalesce), honouring disposal modes, transparency and interlacing.
package gif

import (
	"io"

	filetype "gopkg.in/h2non/filetype.v1"

	"imstream/pkg/codec"
)

// Disposal modes of the graphic control extension that touch the canvas.
// Modes 0 and 1 leave it as drawn.
const (
	disposalBackground = 2
	disposalPrevious   = 3
)

// Packed field masks.
const (
	fColorTable     = 1 << 7
	fColorTableBits = 7
	fInterlace      = 1 << 6

	gcTransparent = 1 << 0
	gcDisposal    = 7 << 2
)

// Block introducers and extension labels.
const (
	sExtension       = 0x21
	sImageDescriptor = 0x2c
	sTrailer         = 0x3b

	ePlainText      = 0x01
	eGraphicControl = 0xf9
	eComment        = 0xfe
	eApplication    = 0xff
)

func init() {
	codec.Register(codec.Backend{
		Name:       "gif",
		Extensions: []string{".gif"},
		Match:      func(head []byte) bool { return filetype.Is(head, "gif") },
		NewDecoder: func(r io.Reader, o *codec.Options) (codec.FrameDecoder, error) {
			return newDecoder(r, o), nil
		},
		NewEncoder: func(w io.Writer, o *codec.Options) (codec.FrameEncoder, error) {
			return newEncoder(w, o), nil
		},
	})
}

// tableBits is the smallest n >= 1 with 1<<n >= count.
func tableBits(count int) int {
	n := 1
	for 1<<n < count {
		n++
	}
	return n
}

// interlacing lists the passes of an interlaced image.
var interlacing = []struct {
	skip, start int
}{
	{8, 0},
	{8, 4},
	{4, 2},
	{2, 1},
}
