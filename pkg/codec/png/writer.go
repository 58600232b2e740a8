package png

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zlib"

	"imstream/pkg/bitio"
	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
)

// encoder streams rows through zlib into IDAT chunks as they arrive.
//
// It is not safe for concurrent use.
type encoder struct {
	w     *bufio.Writer
	log   hclog.Logger
	level int

	format  pixfmt.Format
	depth   int
	colors  int
	width   int
	packed  []byte
	idat    *chunkWriter
	zw      *zlib.Writer
	line    []byte
	written bool
}

func newEncoder(w io.Writer, o *codec.Options) *encoder {
	return &encoder{w: bufio.NewWriter(w), log: o.Logger.Named("png"), level: o.Level}
}

func (e *encoder) BeginFrame(f codec.Frame) (pixfmt.Format, error) {
	if e.written || e.zw != nil {
		return 0, codec.Unsupportedf("png: a file holds a single image")
	}
	switch {
	case f.Format == pixfmt.Indexed8:
		e.format = pixfmt.Indexed8
	case f.Format == pixfmt.Luminance:
		return 0, codec.Unsupportedf("png: cannot write %s", f.Format)
	case f.Format.HasAlpha():
		e.format = pixfmt.RGBA
	default:
		e.format = pixfmt.RGB
	}
	return e.format, nil
}

// paletteDepth is the narrowest sample depth that addresses count entries.
func paletteDepth(count int) int {
	switch {
	case count <= 2:
		return 1
	case count <= 4:
		return 2
	case count <= 16:
		return 4
	}
	return 8
}

func (e *encoder) WriteHeader(f codec.Frame, pal *pixfmt.Palette) error {
	var colorType byte
	e.depth = 8
	switch e.format {
	case pixfmt.Indexed8:
		if pal == nil || pal.Count == 0 {
			return fmt.Errorf("%w: png: indexed image needs a palette", codec.ErrNoPalette)
		}
		colorType = ctPalette
		e.depth = paletteDepth(pal.Count)
		e.colors = pal.Count
	case pixfmt.RGB:
		colorType = ctRGB
	case pixfmt.RGBA:
		colorType = ctRGBA
	}

	if _, err := e.w.WriteString(signature); err != nil {
		return err
	}
	var hdr [13]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(f.Width))
	binary.BigEndian.PutUint32(hdr[4:], uint32(f.Height))
	hdr[8] = byte(e.depth)
	hdr[9] = colorType
	if err := writeChunk(e.w, "IHDR", hdr[:]); err != nil {
		return err
	}

	if e.format == pixfmt.Indexed8 {
		rgba := pal.RGBA()
		plte := make([]byte, pal.Count*3)
		trns := make([]byte, pal.Count)
		last := -1
		for i := 0; i < pal.Count; i++ {
			copy(plte[i*3:], rgba[i*4:i*4+3])
			trns[i] = rgba[i*4+3]
			if trns[i] != 0xff {
				last = i
			}
		}
		if err := writeChunk(e.w, "PLTE", plte); err != nil {
			return err
		}
		if last >= 0 {
			if err := writeChunk(e.w, "tRNS", trns[:last+1]); err != nil {
				return err
			}
		}
	}

	e.idat = &chunkWriter{w: e.w}
	zw, err := zlib.NewWriterLevel(e.idat, e.level)
	if err != nil {
		return fmt.Errorf("%w: png: %v", codec.ErrCodec, err)
	}
	e.zw = zw
	e.width = f.Width
	e.line = make([]byte, 1+bitio.PackedLen(f.Width*e.format.BytesPerPixel(), e.depth))
	e.packed = make([]byte, 0, len(e.line))
	e.log.Trace("header", "width", f.Width, "height", f.Height, "depth", e.depth, "color_type", colorType)
	return nil
}

func (e *encoder) WriteRow(row []byte) error {
	e.line[0] = ftNone
	if e.format == pixfmt.Indexed8 {
		for _, v := range row[:e.width] {
			if int(v) >= e.colors {
				return fmt.Errorf("%w: png: pixel index %d beyond a %d colour palette", codec.ErrBadParam, v, e.colors)
			}
		}
		copy(e.line[1:], bitio.Pack(e.packed, row[:e.width], e.depth))
	} else {
		copy(e.line[1:], row)
	}
	if _, err := e.zw.Write(e.line); err != nil {
		return fmt.Errorf("%w: png: %v", codec.ErrCodec, err)
	}
	return nil
}

func (e *encoder) EndFrame() error {
	if err := e.zw.Close(); err != nil {
		return fmt.Errorf("%w: png: %v", codec.ErrCodec, err)
	}
	if err := e.idat.flush(); err != nil {
		return err
	}
	if err := writeChunk(e.w, "IEND", nil); err != nil {
		return err
	}
	if err := e.w.Flush(); err != nil {
		return err
	}
	e.log.Debug("wrote image", "idat_chunks", e.idat.chunks, "level", e.level)
	e.zw = nil
	e.written = true
	return nil
}

func (e *encoder) Close() error {
	e.zw = nil
	e.line = nil
	return nil
}

// chunkWriter collects compressed bytes into IDAT chunks of idatSize.
type chunkWriter struct {
	w      io.Writer
	buf    []byte
	chunks int
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	for len(c.buf) >= idatSize {
		if err := c.emit(c.buf[:idatSize]); err != nil {
			return 0, err
		}
		c.buf = append(c.buf[:0], c.buf[idatSize:]...)
	}
	return len(p), nil
}

func (c *chunkWriter) emit(data []byte) error {
	c.chunks++
	return writeChunk(c.w, "IDAT", data)
}

func (c *chunkWriter) flush() error {
	if len(c.buf) == 0 && c.chunks > 0 {
		return nil
	}
	err := c.emit(c.buf)
	c.buf = c.buf[:0]
	return err
}
