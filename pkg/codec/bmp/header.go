package bmp

import (
	"encoding/binary"
	"io"
	"math/bits"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

// header is everything parsed ahead of the pixel data.
type header struct {
	fileSize   uint32
	dataOffset uint32
	dibSize    uint32

	width, height int
	topDown       bool
	planes        int
	bpp           int
	compression   uint32
	dataSize      uint32
	colors        int
	entryLen      int // palette entry size, 3 (core) or 4

	masks     [4]uint32 // R, G, B, A
	maskBytes int       // masks stored after a 40-byte header

	palette *pixfmt.Palette
	consumed int64 // bytes read so far
}

func readHeader(r io.Reader) (*header, error) {
	var fh [fileHeaderLen + 4]byte
	if _, err := io.ReadFull(r, fh[:]); err != nil {
		return nil, err
	}
	if fh[0] != 'B' || fh[1] != 'M' {
		return nil, codec.Malformedf("bmp: bad magic %q", fh[:2])
	}
	h := &header{
		fileSize:   binary.LittleEndian.Uint32(fh[2:6]),
		dataOffset: binary.LittleEndian.Uint32(fh[10:14]),
		dibSize:    binary.LittleEndian.Uint32(fh[14:18]),
	}
	if h.dibSize < coreHeaderLen || h.dibSize > maxHeaderLen {
		return nil, codec.Malformedf("bmp: DIB header size %d", h.dibSize)
	}

	dib := make([]byte, h.dibSize)
	copy(dib, fh[14:18])
	if _, err := io.ReadFull(r, dib[4:]); err != nil {
		return nil, err
	}
	h.consumed = fileHeaderLen + int64(h.dibSize)

	if h.dibSize < infoHeaderLen {
		h.parseCore(dib)
	} else {
		h.parseInfo(dib)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	if h.maskBytes > 0 {
		var m [12]byte
		if _, err := io.ReadFull(r, m[:]); err != nil {
			return nil, err
		}
		h.masks[0] = binary.LittleEndian.Uint32(m[0:4])
		h.masks[1] = binary.LittleEndian.Uint32(m[4:8])
		h.masks[2] = binary.LittleEndian.Uint32(m[8:12])
		h.consumed += 12
	}
	if h.bpp == 16 && h.compression == biRGB {
		h.masks = [4]uint32{0x7c00, 0x03e0, 0x001f, 0}
	}

	if h.colors > 0 {
		if err := h.readPalette(r); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *header) parseCore(dib []byte) {
	h.width = int(binary.LittleEndian.Uint16(dib[4:6]))
	h.height = int(binary.LittleEndian.Uint16(dib[6:8]))
	h.planes = int(binary.LittleEndian.Uint16(dib[8:10]))
	h.bpp = int(binary.LittleEndian.Uint16(dib[10:12]))
	h.entryLen = 3
	if h.bpp <= 8 {
		h.colors = 1 << h.bpp
	}
}

func (h *header) parseInfo(dib []byte) {
	h.width = int(int32(binary.LittleEndian.Uint32(dib[4:8])))
	height := int(int32(binary.LittleEndian.Uint32(dib[8:12])))
	if height < 0 {
		h.topDown = true
		height = -height
	}
	h.height = height
	h.planes = int(binary.LittleEndian.Uint16(dib[12:14]))
	h.bpp = int(binary.LittleEndian.Uint16(dib[14:16]))
	h.compression = binary.LittleEndian.Uint32(dib[16:20])
	h.dataSize = binary.LittleEndian.Uint32(dib[20:24])
	h.colors = int(binary.LittleEndian.Uint32(dib[32:36]))
	h.entryLen = 4
	if h.colors == 0 && h.bpp <= 8 {
		h.colors = 1 << h.bpp
	}

	switch {
	case h.dibSize >= 52:
		h.masks[0] = binary.LittleEndian.Uint32(dib[40:44])
		h.masks[1] = binary.LittleEndian.Uint32(dib[44:48])
		h.masks[2] = binary.LittleEndian.Uint32(dib[48:52])
		if h.dibSize >= 56 {
			h.masks[3] = binary.LittleEndian.Uint32(dib[52:56])
		}
	case h.compression == biBitfields:
		h.maskBytes = 12
	}
}

func (h *header) validate() error {
	if h.planes != 1 {
		return codec.Malformedf("bmp: %d planes", h.planes)
	}
	if h.width <= 0 || h.height <= 0 {
		return codec.Malformedf("bmp: size %dx%d", h.width, h.height)
	}
	if h.colors < 0 || h.colors > pixfmt.MaxColors {
		return codec.Malformedf("bmp: %d palette entries", h.colors)
	}

	switch h.compression {
	case biRGB:
		switch h.bpp {
		case 1, 2, 4, 8, 16, 24:
		case 32:
			return codec.Unsupportedf("bmp: 32-bit uncompressed")
		default:
			return codec.Malformedf("bmp: %d bits per pixel", h.bpp)
		}
	case biRLE8:
		if h.bpp != 8 {
			return codec.Malformedf("bmp: RLE8 with %d bits per pixel", h.bpp)
		}
	case biRLE4:
		if h.bpp != 4 {
			return codec.Malformedf("bmp: RLE4 with %d bits per pixel", h.bpp)
		}
	case biBitfields:
		if h.bpp != 16 && h.bpp != 32 {
			return codec.Malformedf("bmp: bitfields with %d bits per pixel", h.bpp)
		}
	case biJPEG, biPNG, biAlphaBitfields, biCMYK, biCMYKRLE8, biCMYKRLE4:
		return codec.Unsupportedf("bmp: compression %d", h.compression)
	default:
		return codec.Malformedf("bmp: unknown compression %d", h.compression)
	}

	// Stored rows never take more than four bytes a pixel, so this also
	// bounds the line buffer and the bottom-up copy.
	return raster.CheckSize(h.width, h.height, pixfmt.RGBA)
}

// readPalette reads the colour table; B,G,R[,pad] entries become RGB.
func (h *header) readPalette(r io.Reader) error {
	buf := make([]byte, h.colors*h.entryLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.consumed += int64(len(buf))
	if h.bpp > 8 {
		// Optimisation hint for palette displays; not needed to decode.
		return nil
	}
	rgb := make([]byte, h.colors*3)
	for i := 0; i < h.colors; i++ {
		e := buf[i*h.entryLen:]
		rgb[i*3+0] = e[2]
		rgb[i*3+1] = e[1]
		rgb[i*3+2] = e[0]
	}
	pal, err := pixfmt.NewPalette(pixfmt.RGB, rgb, h.colors)
	if err != nil {
		return err
	}
	h.palette = pal
	return nil
}

// format is the pixel format rows are delivered in.
func (h *header) format() pixfmt.Format {
	switch {
	case h.bpp <= 8:
		return pixfmt.Indexed8
	case h.bpp == 24:
		return pixfmt.RGB
	case h.masks[3] != 0:
		return pixfmt.RGBA
	}
	return pixfmt.RGB
}

func (h *header) rle() bool {
	return h.compression == biRLE8 || h.compression == biRLE4
}

// channel extracts one bitfield and scales it to 0..255.
type channel struct {
	mask  uint32
	shift uint
	div   uint64
}

func newChannel(mask uint32) channel {
	if mask == 0 {
		return channel{}
	}
	shift := uint(bits.TrailingZeros32(mask))
	return channel{mask: mask, shift: shift, div: uint64(mask >> shift)}
}

func (c channel) scale(v uint32) byte {
	if c.mask == 0 {
		return 0
	}
	return byte(255 * uint64((v&c.mask)>>c.shift) / c.div)
}
