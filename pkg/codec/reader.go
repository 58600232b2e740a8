package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

// sniffLen is how many leading bytes backends get to recognise a stream.
const sniffLen = 262

// Reader pulls frames and rows out of a container stream through a backend.
//
// A Reader is not safe for concurrent use. Once any call fails the fault is
// sticky: every later call returns it without doing anything, and Finish
// reports it.
type Reader struct {
	fault

	dec    FrameDecoder
	format string
	log    hclog.Logger
	owned  io.Closer

	frame    Frame
	pal      []byte // RGBA, nil when the frame has none
	external pixfmt.Format
	resolved bool
	conv     pixfmt.Converter
	scratch  []byte
	rows     int
	frames   int
	eof      bool
}

// NewReader decodes r as the named format. The caller keeps ownership of r.
func NewReader(r io.Reader, format string, o *Options) (*Reader, error) {
	b, err := backendFor(format)
	if err != nil {
		return nil, err
	}
	return newReader(b, r, o)
}

// NewReaderDetect picks the backend by matching the first bytes of r.
func NewReaderDetect(r io.Reader, o *Options) (*Reader, error) {
	var head []byte
	if rs, ok := r.(io.ReadSeeker); ok {
		pos, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		head = make([]byte, sniffLen)
		n, err := io.ReadFull(rs, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
		head = head[:n]
		if _, err := rs.Seek(pos, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpen, err)
		}
	} else {
		br := bufio.NewReaderSize(r, sniffLen)
		head, _ = br.Peek(sniffLen)
		r = br
	}
	b, ok := sniff(head)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognised stream", ErrUnsupported)
	}
	return newReader(b, r, o)
}

func newReader(b Backend, r io.Reader, o *Options) (*Reader, error) {
	if b.NewDecoder == nil {
		return nil, fmt.Errorf("%w: %s cannot be read", ErrUnsupported, b.Name)
	}
	o = orDefault(o)
	dec, err := b.NewDecoder(r, o)
	if err != nil {
		return nil, Classify(err)
	}
	return &Reader{
		dec:    dec,
		format: b.Name,
		log:    o.Logger.Named(b.Name),
	}, nil
}

// Format names the backend decoding the stream.
func (r *Reader) Format() string { return r.format }

// Frame returns the descriptor of the current (or last) frame.
func (r *Reader) Frame() Frame { return r.frame }

// Frames returns how many frames have been read completely.
func (r *Reader) Frames() int { return r.frames }

// NextFrame parses the next frame header. It returns io.EOF, which is not
// a fault, when the stream holds no more frames.
func (r *Reader) NextFrame() (Frame, error) {
	if err := r.enter("NextFrame", stateReady); err != nil {
		return Frame{}, err
	}
	if r.eof {
		return Frame{}, io.EOF
	}
	f, pal, err := r.dec.NextFrame()
	if err == io.EOF {
		r.eof = true
		r.log.Debug("end of stream", "frames", r.frames)
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, r.fail(err)
	}
	if f.Width <= 0 || f.Height <= 0 || !f.Format.Valid() {
		return Frame{}, r.fail(Malformedf("frame %dx%d %s", f.Width, f.Height, f.Format))
	}
	if err := raster.CheckSize(f.Width, f.Height, pixfmt.RGBA); err != nil {
		return Frame{}, r.fail(err)
	}

	r.pal = nil
	f.PaletteSize = 0
	if pal != nil {
		r.pal = pal.RGBA()
		f.PaletteSize = pal.Count
	}
	r.frame = f
	r.external = f.Format
	r.resolved = false
	r.conv = nil
	r.rows = 0
	r.state = stateHeader
	r.log.Debug("frame",
		"index", r.frames,
		"width", f.Width, "height", f.Height,
		"x", f.X, "y", f.Y,
		"format", f.Format, "colors", f.PaletteSize)
	return f, nil
}

// SetFormat selects the pixel format ReadRows delivers for this frame.
func (r *Reader) SetFormat(f pixfmt.Format) error {
	if err := r.enter("SetFormat", stateHeader); err != nil {
		return err
	}
	if !f.Valid() {
		return r.fail(fmt.Errorf("%w: format %d", ErrBadParam, f))
	}
	r.external = f
	return nil
}

// ReadPalette returns the frame's palette converted to f.
func (r *Reader) ReadPalette(f pixfmt.Format) ([]byte, error) {
	if err := r.enter("ReadPalette", stateHeader); err != nil {
		return nil, err
	}
	if r.pal == nil {
		return nil, r.fail(fmt.Errorf("%w: frame %d has no palette", ErrNoPalette, r.frames))
	}
	out, ok := pixfmt.ConvertPalette(r.pal, r.frame.PaletteSize, f)
	if !ok {
		return nil, r.fail(fmt.Errorf("%w: palette cannot be expressed as %s", ErrNoPalette, f))
	}
	return out, nil
}

func (r *Reader) resolve() error {
	internal := r.frame.Format
	if r.external == internal {
		r.log.Trace("pass-through", "format", internal)
		r.resolved = true
		return nil
	}
	if internal == pixfmt.Indexed8 && r.pal == nil {
		return fmt.Errorf("%w: indexed frame without palette cannot become %s", ErrNoPalette, r.external)
	}
	conv, ok := pixfmt.Pick(internal, r.external)
	if !ok {
		return fmt.Errorf("%w: %s to %s", ErrNoConversion, internal, r.external)
	}
	r.log.Trace("converting", "from", internal, "to", r.external)
	r.conv = conv
	if need := internal.RowBytes(r.frame.Width); cap(r.scratch) < need {
		r.scratch = make([]byte, need)
	} else {
		r.scratch = r.scratch[:need]
	}
	r.resolved = true
	return nil
}

// ReadRows reads the next rows rows of the frame into dst, spacing them
// stride bytes apart. A negative stride stores them bottom-up: the first
// row read lands in the last slot of dst.
func (r *Reader) ReadRows(dst []byte, rows, stride int) error {
	if err := r.enter("ReadRows", stateHeader, stateBody); err != nil {
		return err
	}
	if rows < 0 {
		return r.fail(fmt.Errorf("%w: %d rows", ErrBadParam, rows))
	}
	if left := r.frame.Height - r.rows; rows > left {
		return r.fail(fmt.Errorf("%w: %d requested, %d left", ErrTooManyRows, rows, left))
	}
	if !r.resolved {
		if err := r.resolve(); err != nil {
			return r.fail(err)
		}
	}
	w := r.frame.Width
	rowBytes := r.external.RowBytes(w)
	if err := checkStride(len(dst), rows, stride, rowBytes); err != nil {
		return r.fail(err)
	}

	r.state = stateBody
	for i := 0; i < rows; i++ {
		off := rowOffset(i, rows, stride)
		out := dst[off : off+rowBytes]
		if r.conv == nil {
			if err := r.dec.ReadRow(out); err != nil {
				return r.fail(err)
			}
		} else {
			if err := r.dec.ReadRow(r.scratch); err != nil {
				return r.fail(err)
			}
			r.conv(out, r.scratch, w, r.pal)
		}
		r.rows++
	}

	if r.rows == r.frame.Height {
		r.state = stateReady
		r.frames++
		r.log.Debug("frame done", "index", r.frames-1)
	}
	return nil
}

// ReadFrame reads the next frame whole, converted to f (or kept as is for
// Native). Indexed results carry the frame palette.
func (r *Reader) ReadFrame(f pixfmt.Format) (*raster.Image, error) {
	fr, err := r.NextFrame()
	if err != nil {
		return nil, err
	}
	if f != Native {
		if err := r.SetFormat(f); err != nil {
			return nil, err
		}
	}
	img, err := raster.New(fr.Width, fr.Height, r.external)
	if err != nil {
		return nil, r.fail(err)
	}
	if img.Format == pixfmt.Indexed8 && r.pal != nil {
		pal, err := pixfmt.NewPalette(pixfmt.RGBA, r.pal, fr.PaletteSize)
		if err != nil {
			return nil, r.fail(err)
		}
		img.SetPalette(pal)
	}
	if err := r.ReadRows(img.Pix, img.Height, img.Pitch); err != nil {
		return nil, err
	}
	return img, nil
}

// Finish closes the backend and any owned stream and returns the session's
// terminal fault, or nil when every call succeeded. The Reader must not be
// used afterwards.
func (r *Reader) Finish() error {
	if r.state == stateClosed {
		return r.err
	}
	var closeOwned error
	decErr := r.dec.Close()
	if r.owned != nil {
		if err := r.owned.Close(); err != nil {
			closeOwned = fmt.Errorf("%w: close: %v", ErrIO, err)
		}
	}
	r.scratch = nil
	r.pal = nil
	return r.finish(decErr, closeOwned)
}
