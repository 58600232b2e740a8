package bmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

const (
	lcsSRGB        = 0x73524742 // 'sRGB'
	pixelsPerMetre = 2835       // 72 dpi
)

// recipe is how a frame is laid out on disk.
type recipe struct {
	internal    pixfmt.Format
	bpp         int
	dibSize     int
	compression uint32
}

var (
	indexedRecipe = recipe{pixfmt.Indexed8, 8, infoHeaderLen, biRGB}
	bgrRecipe     = recipe{pixfmt.BGR, 24, infoHeaderLen, biRGB}
	bgraRecipe    = recipe{pixfmt.BGRA, 32, v4HeaderLen, biBitfields}
)

func pickRecipe(f pixfmt.Format) (recipe, error) {
	switch {
	case f == pixfmt.Indexed8:
		return indexedRecipe, nil
	case f == pixfmt.Luminance:
		return recipe{}, codec.Unsupportedf("bmp: cannot write %s", f)
	case f.HasAlpha():
		return bgraRecipe, nil
	}
	return bgrRecipe, nil
}

// encoder buffers the single frame of a bitmap and writes it bottom-up
// once the last row arrives.
//
// It is not safe for concurrent use.
type encoder struct {
	w   io.Writer
	log hclog.Logger

	rc      recipe
	pal     *pixfmt.Palette
	img     *raster.Image
	y       int
	written bool
}

func newEncoder(w io.Writer, o *codec.Options) *encoder {
	return &encoder{w: w, log: o.Logger.Named("bmp")}
}

func (e *encoder) BeginFrame(f codec.Frame) (pixfmt.Format, error) {
	if e.written || e.img != nil {
		return 0, codec.Unsupportedf("bmp: a file holds a single image")
	}
	rc, err := pickRecipe(f.Format)
	if err != nil {
		return 0, err
	}
	e.rc = rc
	return rc.internal, nil
}

func (e *encoder) WriteHeader(f codec.Frame, pal *pixfmt.Palette) error {
	if e.rc.internal == pixfmt.Indexed8 {
		if pal == nil || pal.Count == 0 {
			return fmt.Errorf("%w: bmp: indexed image needs a palette", codec.ErrNoPalette)
		}
		e.pal = pal
	}
	img, err := raster.New(f.Width, f.Height, e.rc.internal)
	if err != nil {
		return err
	}
	e.img = img
	e.y = 0
	return nil
}

func (e *encoder) WriteRow(row []byte) error {
	copy(e.img.Row(e.y), row)
	e.y++
	return nil
}

// layout returns the data offset, the padded row length and the file size.
func (e *encoder) layout() (offset, stride, size int) {
	offset = fileHeaderLen + e.rc.dibSize
	if e.pal != nil {
		offset += e.pal.Count * 4
	}
	stride = rowStride(e.img.Width, e.rc.bpp)
	return offset, stride, offset + stride*e.img.Height
}

func (e *encoder) EndFrame() error {
	offset, stride, size := e.layout()
	if int64(size) > 0xffffffff {
		return codec.Unsupportedf("bmp: %d byte file", size)
	}

	bw := bufio.NewWriter(e.w)
	hdr := make([]byte, offset)
	le := binary.LittleEndian

	hdr[0], hdr[1] = 'B', 'M'
	le.PutUint32(hdr[2:], uint32(size))
	le.PutUint32(hdr[10:], uint32(offset))

	dib := hdr[fileHeaderLen:]
	le.PutUint32(dib[0:], uint32(e.rc.dibSize))
	le.PutUint32(dib[4:], uint32(e.img.Width))
	le.PutUint32(dib[8:], uint32(e.img.Height))
	le.PutUint16(dib[12:], 1)
	le.PutUint16(dib[14:], uint16(e.rc.bpp))
	le.PutUint32(dib[16:], e.rc.compression)
	le.PutUint32(dib[20:], uint32(stride*e.img.Height))
	le.PutUint32(dib[24:], pixelsPerMetre)
	le.PutUint32(dib[28:], pixelsPerMetre)
	if e.pal != nil {
		le.PutUint32(dib[32:], uint32(e.pal.Count))
	}
	if e.rc.dibSize >= v4HeaderLen {
		le.PutUint32(dib[40:], 0x00ff0000)
		le.PutUint32(dib[44:], 0x0000ff00)
		le.PutUint32(dib[48:], 0x000000ff)
		le.PutUint32(dib[52:], 0xff000000)
		le.PutUint32(dib[56:], lcsSRGB)
	}

	if e.pal != nil {
		p := hdr[fileHeaderLen+e.rc.dibSize:]
		for i := 0; i < e.pal.Count; i++ {
			c := e.pal.Colors[i*4:]
			p[i*4+0] = c[2]
			p[i*4+1] = c[1]
			p[i*4+2] = c[0]
			p[i*4+3] = c[3]
		}
	}
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	line := make([]byte, stride)
	for y := e.img.Height - 1; y >= 0; y-- {
		copy(line, e.img.Row(y))
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	e.log.Debug("wrote bitmap", "bytes", size, "offset", offset, "bpp", e.rc.bpp)

	e.written = true
	e.img = nil
	return nil
}

func (e *encoder) Close() error {
	e.img = nil
	e.pal = nil
	return nil
}
