// Package png wraps the lossless container: chunk framing and scanline
// filters live here, the entropy coder is klauspost zlib.
package png

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	filetype "gopkg.in/h2non/filetype.v1"

	"imstream/pkg/codec"
)

const signature = "\x89PNG\r\n\x1a\n"

// Colour types.
const (
	ctGray      = 0
	ctRGB       = 2
	ctPalette   = 3
	ctGrayAlpha = 4
	ctRGBA      = 6
)

// Row filters.
const (
	ftNone = iota
	ftSub
	ftUp
	ftAverage
	ftPaeth
)

// idatSize is the payload of each IDAT chunk the encoder emits.
const idatSize = 32 << 10

type ihdr struct {
	width, height int
	depth         int
	colorType     int
	interlace     int
}

func init() {
	codec.Register(codec.Backend{
		Name:       "png",
		Extensions: []string{".png"},
		Match:      func(head []byte) bool { return filetype.Is(head, "png") },
		NewDecoder: func(r io.Reader, o *codec.Options) (codec.FrameDecoder, error) {
			return newDecoder(r, o), nil
		},
		NewEncoder: func(w io.Writer, o *codec.Options) (codec.FrameEncoder, error) {
			return newEncoder(w, o), nil
		},
	})
}

// writeChunk frames data as one chunk of type typ.
func writeChunk(w io.Writer, typ string, data []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	_, err := w.Write(sum[:])
	return err
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

// unfilter reverses the filter of cur in place. prev is the previous
// unfiltered row (zeros for the first) and bpp the filter unit in bytes.
func unfilter(filter byte, cur, prev []byte, bpp int) error {
	switch filter {
	case ftNone:
	case ftSub:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case ftUp:
		for i := range cur {
			cur[i] += prev[i]
		}
	case ftAverage:
		for i := range cur {
			var left byte
			if i >= bpp {
				left = cur[i-bpp]
			}
			cur[i] += byte((int(left) + int(prev[i])) / 2)
		}
	case ftPaeth:
		for i := range cur {
			var left, upLeft byte
			if i >= bpp {
				left, upLeft = cur[i-bpp], prev[i-bpp]
			}
			cur[i] += paeth(left, prev[i], upLeft)
		}
	default:
		return codec.Malformedf("png: unknown filter %d", filter)
	}
	return nil
}
