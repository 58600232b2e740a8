package bmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/bitio"
	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

// decoder serves the single frame of a bitmap file row by row, top row
// first. Bottom-up files are read by seeking when the stream allows it and
// from a buffered copy of the pixel data otherwise.
//
// It is not safe for concurrent use.
type decoder struct {
	r    io.Reader
	rs   io.ReadSeeker // nil when the stream cannot seek
	base int64
	log  hclog.Logger

	hdr    *header
	done   bool
	stride int
	line   []byte
	y      int

	data   []byte        // whole pixel block, bottom-up without a seeker
	canvas *raster.Image // run-length output, in storage order

	chans [4]channel
}

func newDecoder(r io.Reader, o *codec.Options) *decoder {
	d := &decoder{r: r, log: o.Logger.Named("bmp")}
	if rs, ok := r.(io.ReadSeeker); ok {
		if pos, err := rs.Seek(0, io.SeekCurrent); err == nil {
			d.rs = rs
			d.base = pos
		}
	}
	return d
}

func (d *decoder) NextFrame() (codec.Frame, *pixfmt.Palette, error) {
	if d.done {
		return codec.Frame{}, nil, io.EOF
	}
	d.done = true

	h, err := readHeader(d.r)
	if err != nil {
		return codec.Frame{}, nil, err
	}
	d.hdr = h
	d.log.Trace("header",
		"dib", h.dibSize, "width", h.width, "height", h.height,
		"bpp", h.bpp, "compression", h.compression, "colors", h.colors,
		"top_down", h.topDown)

	if err := d.seekData(); err != nil {
		return codec.Frame{}, nil, err
	}

	f := codec.Frame{Width: h.width, Height: h.height, Format: h.format()}
	if f.Format == pixfmt.Indexed8 && h.palette == nil {
		return codec.Frame{}, nil, fmt.Errorf("%w: bmp: indexed image without colour table", codec.ErrNoPalette)
	}

	if h.rle() {
		if err := d.decodeRLE(); err != nil {
			return codec.Frame{}, nil, err
		}
		return f, h.palette, nil
	}

	d.stride = rowStride(h.width, h.bpp)
	d.line = make([]byte, d.stride)
	for k, m := range h.masks {
		d.chans[k] = newChannel(m)
	}
	if !h.topDown && d.rs == nil {
		if int64(d.stride)*int64(h.height) > raster.MaxBytes {
			return codec.Frame{}, nil, fmt.Errorf("%w: bmp: %d bytes of bottom-up data", codec.ErrNoMemory, d.stride*h.height)
		}
		d.data = make([]byte, d.stride*h.height)
		if _, err := io.ReadFull(d.r, d.data); err != nil {
			return codec.Frame{}, nil, err
		}
	}
	return f, h.palette, nil
}

// seekData positions the stream at the pixel data. A gap is skipped; an
// offset behind the palette needs a seekable stream.
func (d *decoder) seekData() error {
	h := d.hdr
	off := int64(h.dataOffset)
	switch {
	case off == h.consumed:
		return nil
	case off > h.consumed:
		_, err := io.CopyN(io.Discard, d.r, off-h.consumed)
		return err
	case d.rs != nil:
		_, err := d.rs.Seek(d.base+off, io.SeekStart)
		return err
	}
	return codec.Malformedf("bmp: data offset %d inside the headers (%d bytes)", off, h.consumed)
}

func (d *decoder) ReadRow(row []byte) error {
	h := d.hdr
	if d.y >= h.height {
		return io.EOF
	}
	stored := d.y
	if !h.topDown {
		stored = h.height - 1 - d.y
	}
	d.y++

	if d.canvas != nil {
		copy(row, d.canvas.Row(stored))
		return nil
	}

	var src []byte
	switch {
	case d.data != nil:
		src = d.data[stored*d.stride : (stored+1)*d.stride]
	case !h.topDown:
		if _, err := d.rs.Seek(d.base+int64(h.dataOffset)+int64(stored)*int64(d.stride), io.SeekStart); err != nil {
			return err
		}
		fallthrough
	default:
		if _, err := io.ReadFull(d.r, d.line); err != nil {
			return err
		}
		src = d.line
	}
	return d.decodeRow(row, src)
}

func (d *decoder) decodeRow(dst, src []byte) error {
	h := d.hdr
	w := h.width
	switch h.bpp {
	case 1, 2, 4, 8:
		return bitio.Unpack(dst, src, h.bpp, w)
	case 24:
		for i := 0; i < w; i++ {
			dst[i*3+0] = src[i*3+2]
			dst[i*3+1] = src[i*3+1]
			dst[i*3+2] = src[i*3+0]
		}
		return nil
	}

	n := 3
	if d.chans[3].mask != 0 {
		n = 4
	}
	for i := 0; i < w; i++ {
		var v uint32
		if h.bpp == 16 {
			v = uint32(binary.LittleEndian.Uint16(src[i*2:]))
		} else {
			v = binary.LittleEndian.Uint32(src[i*4:])
		}
		for k := 0; k < n; k++ {
			dst[i*n+k] = d.chans[k].scale(v)
		}
	}
	return nil
}

func (d *decoder) decodeRLE() error {
	h := d.hdr
	canvas, err := raster.New(h.width, h.height, pixfmt.Indexed8)
	if err != nil {
		return err
	}
	br, ok := d.r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(d.r)
	}
	if err := unpackRLE(br, canvas, h.compression == biRLE4, d.log); err != nil {
		return err
	}
	d.canvas = canvas
	return nil
}

func (d *decoder) Close() error {
	d.data = nil
	d.canvas = nil
	d.line = nil
	return nil
}
