package gif

import (
	"bufio"
	"compress/lzw"
	"fmt"
	"image"
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

type reader interface {
	io.Reader
	io.ByteReader
}

// graphicControl is the state set by a graphic control extension. It
// applies to the next image only.
type graphicControl struct {
	disposal    int
	transparent int // -1 when unset
	delay       int
}

func noControl() graphicControl { return graphicControl{transparent: -1} }

// decoder walks the block structure of a GIF stream one image at a time.
//
// It is not safe for concurrent use.
type decoder struct {
	r        reader
	log      hclog.Logger
	coalesce bool

	started bool
	tmp     [768]byte

	screen  image.Rectangle
	bg      byte
	global  []byte // RGB triples, nil when absent
	loop    int
	gc      graphicControl
	frames  int
	trailer bool

	acc      *raster.Image // accumulator canvas
	backup   *raster.Image // snapshot for restore-to-previous
	prevDisp int
	prevRect image.Rectangle

	cur *raster.Image
	y   int
}

func newDecoder(r io.Reader, o *codec.Options) *decoder {
	rr, ok := r.(reader)
	if !ok {
		rr = bufio.NewReader(r)
	}
	return &decoder{
		r:        rr,
		log:      o.Logger.Named("gif"),
		coalesce: o.Coalesce,
		gc:       noControl(),
		loop:     -1,
	}
}

func (d *decoder) readHeader() error {
	if _, err := io.ReadFull(d.r, d.tmp[:13]); err != nil {
		return err
	}
	sig := string(d.tmp[:6])
	if sig != "GIF87a" && sig != "GIF89a" {
		return codec.Malformedf("gif: bad signature %q", sig)
	}
	w := int(d.tmp[6]) | int(d.tmp[7])<<8
	h := int(d.tmp[8]) | int(d.tmp[9])<<8
	flags := d.tmp[10]
	d.bg = d.tmp[11]
	d.screen = image.Rect(0, 0, w, h)
	if flags&fColorTable != 0 {
		pal, err := d.readColorTable(flags)
		if err != nil {
			return err
		}
		d.global = pal
	}
	d.log.Trace("screen", "width", w, "height", h, "global_colors", len(d.global)/3, "background", d.bg)
	return nil
}

func (d *decoder) readColorTable(flags byte) ([]byte, error) {
	n := 3 << (uint(flags&fColorTableBits) + 1)
	if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
		return nil, err
	}
	return append([]byte(nil), d.tmp[:n]...), nil
}

// NextFrame reports io.EOF only at a trailer, or when the stream stops
// cleanly after at least one image. Any other end of input is truncation.
func (d *decoder) NextFrame() (codec.Frame, *pixfmt.Palette, error) {
	f, pal, err := d.next()
	if err == io.EOF && !d.trailer {
		err = io.ErrUnexpectedEOF
	}
	return f, pal, err
}

func (d *decoder) next() (codec.Frame, *pixfmt.Palette, error) {
	if !d.started {
		d.started = true
		if err := d.readHeader(); err != nil {
			return codec.Frame{}, nil, err
		}
	}
	if d.trailer {
		return codec.Frame{}, nil, io.EOF
	}

	for {
		c, err := d.r.ReadByte()
		if err == io.EOF && d.frames > 0 {
			d.log.Warn("stream ends without trailer", "frames", d.frames)
			d.trailer = true
			return codec.Frame{}, nil, io.EOF
		}
		if err != nil {
			return codec.Frame{}, nil, err
		}

		switch c {
		case sExtension:
			if err := d.readExtension(); err != nil {
				return codec.Frame{}, nil, err
			}
		case sImageDescriptor:
			return d.readImage()
		case sTrailer:
			d.trailer = true
			return codec.Frame{}, nil, io.EOF
		default:
			return codec.Frame{}, nil, codec.Malformedf("gif: unknown block type 0x%02x", c)
		}
	}
}

func (d *decoder) readExtension() error {
	label, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	switch label {
	case eGraphicControl:
		if _, err := io.ReadFull(d.r, d.tmp[:6]); err != nil {
			return err
		}
		if d.tmp[0] != 4 {
			return codec.Malformedf("gif: graphic control block of %d bytes", d.tmp[0])
		}
		flags := d.tmp[1]
		d.gc = noControl()
		d.gc.disposal = int(flags&gcDisposal) >> 2
		d.gc.delay = int(d.tmp[2]) | int(d.tmp[3])<<8
		if flags&gcTransparent != 0 {
			d.gc.transparent = int(d.tmp[4])
		}
		if d.tmp[5] != 0 {
			return codec.Malformedf("gif: graphic control block not terminated")
		}
		return nil
	case eApplication:
		n, err := d.readBlock()
		if err != nil || n == 0 {
			return err
		}
		if string(d.tmp[:n]) == "NETSCAPE2.0" {
			n, err := d.readBlock()
			if err != nil {
				return err
			}
			if n == 3 && d.tmp[0] == 1 {
				d.loop = int(d.tmp[1]) | int(d.tmp[2])<<8
				d.log.Trace("loop count", "loop", d.loop)
			}
			if n == 0 {
				return nil
			}
		}
	case ePlainText:
		// Text is not rendered; the control block it consumed is dropped.
		d.gc = noControl()
		d.log.Debug("skipping plain text extension")
	case eComment:
	default:
		d.log.Warn("skipping unknown extension", "label", fmt.Sprintf("0x%02x", label))
	}
	return d.skipBlocks()
}

// readBlock reads one data sub-block into d.tmp.
func (d *decoder) readBlock() (int, error) {
	n, err := d.r.ReadByte()
	if n == 0 || err != nil {
		return 0, err
	}
	return io.ReadFull(d.r, d.tmp[:n])
}

func (d *decoder) skipBlocks() error {
	for {
		n, err := d.readBlock()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (d *decoder) readImage() (codec.Frame, *pixfmt.Palette, error) {
	if _, err := io.ReadFull(d.r, d.tmp[:9]); err != nil {
		return codec.Frame{}, nil, err
	}
	left := int(d.tmp[0]) | int(d.tmp[1])<<8
	top := int(d.tmp[2]) | int(d.tmp[3])<<8
	w := int(d.tmp[4]) | int(d.tmp[5])<<8
	h := int(d.tmp[6]) | int(d.tmp[7])<<8
	flags := d.tmp[8]
	rect := image.Rect(left, top, left+w, top+h)
	if w == 0 || h == 0 || !rect.In(d.screen) {
		return codec.Frame{}, nil, codec.Malformedf("gif: frame %v outside screen %v", rect, d.screen)
	}

	table := d.global
	if flags&fColorTable != 0 {
		local, err := d.readColorTable(flags)
		if err != nil {
			return codec.Frame{}, nil, err
		}
		table = local
	}

	pix, err := d.readPixels(w, h)
	if err != nil {
		return codec.Frame{}, nil, err
	}
	if flags&fInterlace != 0 {
		pix = uninterlace(pix, w, h)
	}

	gc := d.gc
	d.gc = noControl()
	pal, err := d.palette(table, gc.transparent)
	if err != nil {
		return codec.Frame{}, nil, err
	}

	var f codec.Frame
	if d.coalesce {
		if err := d.composite(pix, rect, gc); err != nil {
			return codec.Frame{}, nil, err
		}
		f = codec.Frame{Width: d.screen.Dx(), Height: d.screen.Dy(), Format: pixfmt.Indexed8}
	} else {
		img, err := raster.New(w, h, pixfmt.Indexed8)
		if err != nil {
			return codec.Frame{}, nil, err
		}
		copy(img.Pix, pix)
		d.cur = img
		f = codec.Frame{Width: w, Height: h, Format: pixfmt.Indexed8, X: left, Y: top}
	}
	f.Delay = gc.delay
	d.y = 0
	d.frames++
	d.log.Trace("image",
		"rect", rect, "interlaced", flags&fInterlace != 0,
		"disposal", gc.disposal, "transparent", gc.transparent)
	return f, pal, nil
}

// readPixels decodes the LZW image data that follows an image descriptor.
func (d *decoder) readPixels(w, h int) ([]byte, error) {
	litWidth, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if litWidth < 2 || litWidth > 8 {
		return nil, codec.Malformedf("gif: LZW code size %d", litWidth)
	}
	if int64(w)*int64(h) > raster.MaxBytes {
		return nil, fmt.Errorf("%w: gif: %dx%d frame", codec.ErrNoMemory, w, h)
	}

	br := &blockReader{r: d.r}
	lz := lzw.NewReader(br, lzw.LSB, int(litWidth))
	defer lz.Close()

	pix := make([]byte, w*h)
	if _, err := io.ReadFull(lz, pix); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, codec.Malformedf("gif: not enough image data")
		}
		return nil, fmt.Errorf("%w: gif: %v", codec.ErrMalformed, err)
	}
	if n, err := lz.Read(d.tmp[:1]); n != 0 || (err != io.EOF && err != io.ErrUnexpectedEOF) {
		d.log.Warn("extra image data ignored")
	}
	// Consume whatever is left of the sub-blocks, terminator included.
	if br.err != io.EOF {
		if _, err := io.Copy(io.Discard, br); err != nil {
			return nil, err
		}
	}
	return pix, nil
}

// palette normalises a colour table to RGBA, marking the transparent
// entry with alpha 0.
func (d *decoder) palette(table []byte, transparent int) (*pixfmt.Palette, error) {
	if table == nil {
		return nil, nil
	}
	n := len(table) / 3
	rgba := make([]byte, n*4)
	for i := 0; i < n; i++ {
		copy(rgba[i*4:], table[i*3:i*3+3])
		rgba[i*4+3] = 0xff
	}
	if transparent >= 0 && transparent < n {
		rgba[transparent*4+3] = 0
	}
	return pixfmt.NewPalette(pixfmt.RGBA, rgba, n)
}

// composite applies the previous frame's disposal, snapshots the canvas
// when this frame restores to previous, and blits pix into rect.
func (d *decoder) composite(pix []byte, rect image.Rectangle, gc graphicControl) error {
	if d.acc == nil {
		acc, err := raster.New(d.screen.Dx(), d.screen.Dy(), pixfmt.Indexed8)
		if err != nil {
			return err
		}
		acc.Fill(d.bg)
		d.acc = acc
	}

	switch d.prevDisp {
	case disposalBackground:
		d.acc.FillRect(d.prevRect, d.bg)
	case disposalPrevious:
		if d.backup != nil {
			d.acc.CopyFrom(d.backup)
		}
	}

	if gc.disposal == disposalPrevious {
		if d.backup == nil {
			d.backup = d.acc.Clone()
		} else {
			d.backup.CopyFrom(d.acc)
		}
	}

	w := rect.Dx()
	for y := 0; y < rect.Dy(); y++ {
		src := pix[y*w : (y+1)*w]
		dst := d.acc.Row(rect.Min.Y + y)[rect.Min.X : rect.Min.X+w]
		if gc.transparent < 0 {
			copy(dst, src)
			continue
		}
		t := byte(gc.transparent)
		for x, v := range src {
			if v != t {
				dst[x] = v
			}
		}
	}

	d.prevDisp = gc.disposal
	d.prevRect = rect
	d.cur = d.acc
	return nil
}

func (d *decoder) ReadRow(row []byte) error {
	if d.cur == nil || d.y >= d.cur.Height {
		return io.EOF
	}
	copy(row, d.cur.Row(d.y))
	d.y++
	return nil
}

func (d *decoder) Close() error {
	d.acc = nil
	d.backup = nil
	d.cur = nil
	return nil
}

// uninterlace reorders rows stored in interlace pass order.
func uninterlace(pix []byte, w, h int) []byte {
	out := make([]byte, len(pix))
	src := 0
	for _, pass := range interlacing {
		for y := pass.start; y < h; y += pass.skip {
			copy(out[y*w:(y+1)*w], pix[src*w:(src+1)*w])
			src++
		}
	}
	return out
}

// blockReader presents the data sub-blocks of an image as one stream. It
// returns io.EOF at the zero-length terminator.
type blockReader struct {
	r     reader
	slice []byte
	err   error
	tmp   [256]byte
}

func (b *blockReader) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(b.slice) == 0 {
		var n byte
		n, b.err = b.r.ReadByte()
		if b.err != nil {
			if b.err == io.EOF {
				b.err = io.ErrUnexpectedEOF
			}
			return 0, b.err
		}
		if n == 0 {
			b.err = io.EOF
			return 0, b.err
		}
		b.slice = b.tmp[:n]
		if _, b.err = io.ReadFull(b.r, b.slice); b.err != nil {
			return 0, b.err
		}
	}
	n := copy(p, b.slice)
	b.slice = b.slice[n:]
	return n, nil
}
