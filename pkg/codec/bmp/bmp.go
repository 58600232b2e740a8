// Package bmp implements the Windows bitmap container for the codec
// engines: every DIB header dialect from the 12-byte core header to the
// 124-byte V5 header, 1/2/4/8-bit palette images, 16/24/32-bit direct
// colour, channel bitfields and both run-length encodings on read, and
// 8-bit, 24-bit and 32-bit BI_BITFIELDS output.
package bmp

import (
	"io"

	filetype "gopkg.in/h2non/filetype.v1"

	"imstream/pkg/codec"
)

const (
	fileHeaderLen = 14
	coreHeaderLen = 12
	infoHeaderLen = 40
	v4HeaderLen   = 108
	maxHeaderLen  = 1024
)

// Compression methods (biCompression).
const (
	biRGB            = 0
	biRLE8           = 1
	biRLE4           = 2
	biBitfields      = 3
	biJPEG           = 4
	biPNG            = 5
	biAlphaBitfields = 6
	biCMYK           = 11
	biCMYKRLE8       = 12
	biCMYKRLE4       = 13
)

func init() {
	codec.Register(codec.Backend{
		Name:       "bmp",
		Extensions: []string{".bmp"},
		Match:      func(head []byte) bool { return filetype.Is(head, "bmp") },
		NewDecoder: func(r io.Reader, o *codec.Options) (codec.FrameDecoder, error) {
			return newDecoder(r, o), nil
		},
		NewEncoder: func(w io.Writer, o *codec.Options) (codec.FrameEncoder, error) {
			return newEncoder(w, o), nil
		},
	})
}

// rowStride is the 32-bit padded length of one stored row.
func rowStride(width, bpp int) int {
	return ((width*bpp + 31) / 32) * 4
}
