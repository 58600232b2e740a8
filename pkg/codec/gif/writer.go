package gif

import (
	"bufio"
	"bytes"
	"compress/lzw"
	"fmt"
	"image"
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
)

// pending is a frame held until the stream is closed.
type pending struct {
	rect  image.Rectangle
	pix   []byte
	pal   []byte // RGBA
	count int
	delay int
	y     int
}

// encoder collects every frame and emits the stream on Close, once the
// logical screen is known.
//
// It is not safe for concurrent use.
type encoder struct {
	w     io.Writer
	log   hclog.Logger
	delay int

	frames []*pending
	cur    *pending
}

func newEncoder(w io.Writer, o *codec.Options) *encoder {
	return &encoder{w: w, log: o.Logger.Named("gif"), delay: o.Delay}
}

func (e *encoder) BeginFrame(f codec.Frame) (pixfmt.Format, error) {
	if f.Format != pixfmt.Indexed8 {
		return 0, codec.Unsupportedf("gif: cannot write %s frames", f.Format)
	}
	if f.X < 0 || f.Y < 0 {
		return 0, fmt.Errorf("%w: gif: frame offset (%d,%d)", codec.ErrBadParam, f.X, f.Y)
	}
	if f.X+f.Width > 0xffff || f.Y+f.Height > 0xffff {
		return 0, codec.Unsupportedf("gif: frame %dx%d at (%d,%d) exceeds 65535", f.Width, f.Height, f.X, f.Y)
	}
	return pixfmt.Indexed8, nil
}

func (e *encoder) WriteHeader(f codec.Frame, pal *pixfmt.Palette) error {
	if pal == nil || pal.Count == 0 {
		return fmt.Errorf("%w: gif: frame needs a palette", codec.ErrNoPalette)
	}
	e.cur = &pending{
		rect:  image.Rect(f.X, f.Y, f.X+f.Width, f.Y+f.Height),
		pix:   make([]byte, f.Width*f.Height),
		pal:   pal.RGBA(),
		count: pal.Count,
		delay: f.Delay,
	}
	return nil
}

func (e *encoder) WriteRow(row []byte) error {
	p := e.cur
	w := p.rect.Dx()
	copy(p.pix[p.y*w:(p.y+1)*w], row)
	p.y++
	return nil
}

func (e *encoder) EndFrame() error {
	if bits := tableBits(e.cur.count); bits < 8 {
		for _, v := range e.cur.pix {
			if int(v) >= 1<<bits {
				return fmt.Errorf("%w: gif: pixel index %d beyond a %d colour palette", codec.ErrBadParam, v, e.cur.count)
			}
		}
	}
	e.frames = append(e.frames, e.cur)
	e.cur = nil
	return nil
}

func (e *encoder) Close() error {
	if len(e.frames) == 0 {
		return nil
	}
	bw := bufio.NewWriter(e.w)
	if err := e.encode(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	e.frames = nil
	return nil
}

func (e *encoder) encode(bw *bufio.Writer) error {
	global := e.frames[0]
	gBits := tableBits(global.count)

	screen := global.rect
	for _, f := range e.frames[1:] {
		screen = screen.Union(f.rect)
	}
	w, h := screen.Max.X, screen.Max.Y

	bw.WriteString("GIF89a")
	writeUint16(bw, w)
	writeUint16(bw, h)
	bw.WriteByte(fColorTable | byte(gBits-1)<<4 | byte(gBits-1))
	bw.WriteByte(0) // background index
	bw.WriteByte(0) // aspect ratio
	writeColorTable(bw, global.pal, global.count, gBits)

	if len(e.frames) > 1 {
		bw.Write([]byte{sExtension, eApplication, 11})
		bw.WriteString("NETSCAPE2.0")
		bw.Write([]byte{3, 1, 0, 0, 0}) // loop forever
	}

	for i, f := range e.frames {
		local := f.count != global.count || !bytes.Equal(f.pal, global.pal)
		bits := gBits
		if local {
			bits = tableBits(f.count)
		}

		delay := f.delay
		if delay <= 0 {
			delay = e.delay
		}
		transparent := transparentIndex(f.pal, f.count)
		var flags byte
		if transparent >= 0 {
			flags |= gcTransparent
		} else {
			transparent = 0
		}
		bw.Write([]byte{sExtension, eGraphicControl, 4, flags})
		writeUint16(bw, delay)
		bw.Write([]byte{byte(transparent), 0})

		bw.WriteByte(sImageDescriptor)
		writeUint16(bw, f.rect.Min.X)
		writeUint16(bw, f.rect.Min.Y)
		writeUint16(bw, f.rect.Dx())
		writeUint16(bw, f.rect.Dy())
		if local {
			bw.WriteByte(fColorTable | byte(bits-1))
			writeColorTable(bw, f.pal, f.count, bits)
		} else {
			bw.WriteByte(0)
		}

		litWidth := bits
		if litWidth < 2 {
			litWidth = 2
		}
		bw.WriteByte(byte(litWidth))
		blocks := &blockWriter{w: bw}
		lz := lzw.NewWriter(blocks, lzw.LSB, litWidth)
		if _, err := lz.Write(f.pix); err != nil {
			return fmt.Errorf("%w: gif: %v", codec.ErrCodec, err)
		}
		if err := lz.Close(); err != nil {
			return fmt.Errorf("%w: gif: %v", codec.ErrCodec, err)
		}
		if err := blocks.close(); err != nil {
			return err
		}
		e.log.Trace("frame", "index", i, "rect", f.rect, "local_table", local, "delay", delay)
	}

	bw.WriteByte(sTrailer)
	e.log.Debug("wrote animation", "frames", len(e.frames), "width", w, "height", h)
	return nil
}

func writeUint16(bw *bufio.Writer, v int) {
	bw.WriteByte(byte(v))
	bw.WriteByte(byte(v >> 8))
}

// writeColorTable writes count RGB entries padded with black to 1<<bits.
func writeColorTable(bw *bufio.Writer, rgba []byte, count, bits int) {
	for i := 0; i < 1<<bits; i++ {
		if i < count {
			bw.Write(rgba[i*4 : i*4+3])
		} else {
			bw.Write([]byte{0, 0, 0})
		}
	}
}

// transparentIndex is the first entry with zero alpha, or -1.
func transparentIndex(rgba []byte, count int) int {
	for i := 0; i < count; i++ {
		if rgba[i*4+3] == 0 {
			return i
		}
	}
	return -1
}

// blockWriter splits a byte stream into data sub-blocks of at most 255 bytes.
type blockWriter struct {
	w   *bufio.Writer
	buf [256]byte
	n   int
}

func (b *blockWriter) Write(p []byte) (int, error) {
	for i, c := range p {
		b.buf[1+b.n] = c
		b.n++
		if b.n == 255 {
			if err := b.flush(); err != nil {
				return i, err
			}
		}
	}
	return len(p), nil
}

func (b *blockWriter) flush() error {
	if b.n == 0 {
		return nil
	}
	b.buf[0] = byte(b.n)
	_, err := b.w.Write(b.buf[:b.n+1])
	b.n = 0
	return err
}

// close flushes the last sub-block and writes the terminator.
func (b *blockWriter) close() error {
	if err := b.flush(); err != nil {
		return err
	}
	return b.w.WriteByte(0)
}
