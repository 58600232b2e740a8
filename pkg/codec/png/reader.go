package png

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zlib"

	"imstream/pkg/bitio"
	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

type chunkHeader struct {
	length uint32
	typ    string
}

// decoder reads the chunks ahead of the image data on NextFrame and then
// inflates and unfilters one scanline per ReadRow.
//
// It is not safe for concurrent use.
type decoder struct {
	r   io.Reader
	log hclog.Logger
	crc hash.Hash32
	tmp [13]byte

	started bool
	done    bool
	hdr     ihdr
	plte    []byte // RGB triples
	trns    []byte

	// idatLeft counts the unread bytes of the current IDAT chunk. When
	// the IDAT run ends the following chunk header is parked in next.
	idatLeft uint32
	next     chunkHeader
	hasNext  bool

	zr        io.ReadCloser
	format    pixfmt.Format
	rowLen    int
	filterBpp int
	cur, prev []byte
	y         int
}

func newDecoder(r io.Reader, o *codec.Options) *decoder {
	return &decoder{r: r, log: o.Logger.Named("png"), crc: crc32.NewIEEE()}
}

func (d *decoder) readChunkHeader() (chunkHeader, error) {
	if _, err := io.ReadFull(d.r, d.tmp[:8]); err != nil {
		return chunkHeader{}, err
	}
	n := binary.BigEndian.Uint32(d.tmp[:4])
	if n > 0x7fffffff {
		return chunkHeader{}, codec.Malformedf("png: chunk length %d", n)
	}
	d.crc.Reset()
	d.crc.Write(d.tmp[4:8])
	return chunkHeader{length: n, typ: string(d.tmp[4:8])}, nil
}

func (d *decoder) readChunkData(n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	d.crc.Write(buf)
	return buf, d.verifyChecksum()
}

func (d *decoder) skipChunk(n uint32) error {
	if _, err := io.CopyN(d.crc, d.r, int64(n)); err != nil {
		return err
	}
	return d.verifyChecksum()
}

func (d *decoder) verifyChecksum() error {
	if _, err := io.ReadFull(d.r, d.tmp[:4]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(d.tmp[:4]) != d.crc.Sum32() {
		return codec.Malformedf("png: chunk checksum mismatch")
	}
	return nil
}

func (d *decoder) NextFrame() (codec.Frame, *pixfmt.Palette, error) {
	if d.done {
		return codec.Frame{}, nil, io.EOF
	}
	if d.started {
		d.done = true
		if err := d.readTrailer(); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				d.log.Warn("stream ends before IEND")
				return codec.Frame{}, nil, io.EOF
			}
			return codec.Frame{}, nil, err
		}
		return codec.Frame{}, nil, io.EOF
	}
	d.started = true

	f, pal, err := d.readHeaders()
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return f, pal, err
}

func (d *decoder) readHeaders() (codec.Frame, *pixfmt.Palette, error) {
	if _, err := io.ReadFull(d.r, d.tmp[:8]); err != nil {
		return codec.Frame{}, nil, err
	}
	if string(d.tmp[:8]) != signature {
		return codec.Frame{}, nil, codec.Malformedf("png: bad signature")
	}

	seenIHDR := false
	for {
		ch, err := d.readChunkHeader()
		if err != nil {
			return codec.Frame{}, nil, err
		}
		if !seenIHDR && ch.typ != "IHDR" {
			return codec.Frame{}, nil, codec.Malformedf("png: %s chunk before IHDR", ch.typ)
		}
		d.log.Trace("chunk", "type", ch.typ, "length", ch.length)

		switch ch.typ {
		case "IHDR":
			if seenIHDR || ch.length != 13 {
				return codec.Frame{}, nil, codec.Malformedf("png: bad IHDR")
			}
			data, err := d.readChunkData(ch.length)
			if err != nil {
				return codec.Frame{}, nil, err
			}
			if err := d.parseIHDR(data); err != nil {
				return codec.Frame{}, nil, err
			}
			seenIHDR = true
		case "PLTE":
			if ch.length == 0 || ch.length%3 != 0 || ch.length > 3*pixfmt.MaxColors {
				return codec.Frame{}, nil, codec.Malformedf("png: PLTE of %d bytes", ch.length)
			}
			if d.plte, err = d.readChunkData(ch.length); err != nil {
				return codec.Frame{}, nil, err
			}
		case "tRNS":
			if d.hdr.colorType != ctPalette {
				d.log.Debug("ignoring colour key transparency")
				if err := d.skipChunk(ch.length); err != nil {
					return codec.Frame{}, nil, err
				}
				continue
			}
			if ch.length > pixfmt.MaxColors {
				return codec.Frame{}, nil, codec.Malformedf("png: tRNS of %d bytes", ch.length)
			}
			if d.trns, err = d.readChunkData(ch.length); err != nil {
				return codec.Frame{}, nil, err
			}
		case "IDAT":
			d.idatLeft = ch.length
			return d.beginImage()
		case "IEND":
			return codec.Frame{}, nil, codec.Malformedf("png: no image data")
		default:
			if ch.typ[0]&0x20 == 0 {
				return codec.Frame{}, nil, codec.Unsupportedf("png: critical chunk %s", ch.typ)
			}
			if err := d.skipChunk(ch.length); err != nil {
				return codec.Frame{}, nil, err
			}
		}
	}
}

func (d *decoder) parseIHDR(b []byte) error {
	be := binary.BigEndian
	w, h := be.Uint32(b[0:]), be.Uint32(b[4:])
	if w == 0 || h == 0 || w > 0x7fffffff || h > 0x7fffffff {
		return codec.Malformedf("png: dimensions %dx%d", w, h)
	}
	d.hdr = ihdr{
		width:     int(w),
		height:    int(h),
		depth:     int(b[8]),
		colorType: int(b[9]),
		interlace: int(b[12]),
	}
	if b[10] != 0 || b[11] != 0 || b[12] > 1 {
		return codec.Malformedf("png: compression %d filter %d interlace %d", b[10], b[11], b[12])
	}

	switch d.hdr.colorType {
	case ctRGB, ctRGBA:
		if d.hdr.depth != 8 {
			return codec.Unsupportedf("png: %d-bit samples", d.hdr.depth)
		}
	case ctPalette:
		switch d.hdr.depth {
		case 1, 2, 4, 8:
		default:
			return codec.Malformedf("png: %d-bit palette", d.hdr.depth)
		}
	case ctGray, ctGrayAlpha:
		return codec.Unsupportedf("png: greyscale")
	default:
		return codec.Malformedf("png: colour type %d", d.hdr.colorType)
	}
	if d.hdr.interlace != 0 {
		return codec.Unsupportedf("png: interlaced")
	}
	return nil
}

func (d *decoder) beginImage() (codec.Frame, *pixfmt.Palette, error) {
	h := d.hdr
	var pal *pixfmt.Palette
	channels := 1
	switch h.colorType {
	case ctRGB:
		d.format, channels = pixfmt.RGB, 3
	case ctRGBA:
		d.format, channels = pixfmt.RGBA, 4
	case ctPalette:
		d.format = pixfmt.Indexed8
		if d.plte == nil {
			return codec.Frame{}, nil, codec.Malformedf("png: palette image without PLTE")
		}
		n := len(d.plte) / 3
		rgba := make([]byte, n*4)
		for i := 0; i < n; i++ {
			copy(rgba[i*4:], d.plte[i*3:i*3+3])
			rgba[i*4+3] = 0xff
			if i < len(d.trns) {
				rgba[i*4+3] = d.trns[i]
			}
		}
		var err error
		if pal, err = pixfmt.NewPalette(pixfmt.RGBA, rgba, n); err != nil {
			return codec.Frame{}, nil, err
		}
	}

	bits := int64(h.width) * int64(channels*h.depth)
	if (bits+7)/8 > raster.MaxBytes {
		return codec.Frame{}, nil, fmt.Errorf("%w: png: %d pixel rows", codec.ErrNoMemory, h.width)
	}
	d.rowLen = int((bits + 7) / 8)
	d.filterBpp = (channels*h.depth + 7) / 8
	d.cur = make([]byte, 1+d.rowLen)
	d.prev = make([]byte, 1+d.rowLen)

	zr, err := zlib.NewReader(d)
	if err != nil {
		return codec.Frame{}, nil, inflateError(err)
	}
	d.zr = zr
	d.y = 0
	return codec.Frame{Width: h.width, Height: h.height, Format: d.format}, pal, nil
}

// Read serves the concatenated payload of the IDAT run to the inflater.
func (d *decoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for d.idatLeft == 0 {
		if d.hasNext {
			return 0, io.EOF
		}
		if err := d.verifyChecksum(); err != nil {
			return 0, err
		}
		ch, err := d.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if ch.typ != "IDAT" {
			d.next, d.hasNext = ch, true
			return 0, io.EOF
		}
		d.idatLeft = ch.length
	}
	if uint32(len(p)) > d.idatLeft {
		p = p[:d.idatLeft]
	}
	n, err := d.r.Read(p)
	d.crc.Write(p[:n])
	d.idatLeft -= uint32(n)
	return n, err
}

func (d *decoder) ReadRow(row []byte) error {
	if _, err := io.ReadFull(d.zr, d.cur); err != nil {
		return inflateError(err)
	}
	if err := unfilter(d.cur[0], d.cur[1:], d.prev[1:], d.filterBpp); err != nil {
		return err
	}
	line := d.cur[1:]
	if d.format == pixfmt.Indexed8 {
		if err := bitio.Unpack(row, line, d.hdr.depth, d.hdr.width); err != nil {
			return err
		}
	} else {
		copy(row, line)
	}
	d.cur, d.prev = d.prev, d.cur
	d.y++
	return nil
}

// readTrailer finishes the inflater and walks the remaining chunks up to IEND.
func (d *decoder) readTrailer() error {
	if d.zr == nil {
		return nil
	}
	if _, err := io.Copy(io.Discard, d.zr); err != nil {
		return inflateError(err)
	}
	for !d.hasNext {
		if d.idatLeft > 0 {
			if _, err := io.CopyN(d.crc, d.r, int64(d.idatLeft)); err != nil {
				return err
			}
			d.idatLeft = 0
		}
		if err := d.verifyChecksum(); err != nil {
			return err
		}
		ch, err := d.readChunkHeader()
		if err != nil {
			return err
		}
		if ch.typ == "IDAT" {
			d.idatLeft = ch.length
			continue
		}
		d.next, d.hasNext = ch, true
	}

	ch := d.next
	for ch.typ != "IEND" {
		d.log.Trace("chunk", "type", ch.typ, "length", ch.length)
		if err := d.skipChunk(ch.length); err != nil {
			return err
		}
		var err error
		if ch, err = d.readChunkHeader(); err != nil {
			return err
		}
	}
	return d.skipChunk(ch.length)
}

func (d *decoder) Close() error {
	if d.zr != nil {
		d.zr.Close()
		d.zr = nil
	}
	d.cur, d.prev = nil, nil
	return nil
}

// inflateError keeps truncation and framing faults as they are and files
// everything else the inflater reports under ErrCodec.
func inflateError(err error) error {
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return io.ErrUnexpectedEOF
	case errors.Is(err, codec.ErrMalformed):
		return err
	}
	return fmt.Errorf("%w: png: %v", codec.ErrCodec, err)
}
