package codec

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

// Writer pushes frames and rows into a container stream through a backend.
// Like Reader it is not safe for concurrent use and its faults are sticky.
type Writer struct {
	fault

	enc    FrameEncoder
	format string
	log    hclog.Logger
	owned  io.Closer

	frame    Frame
	internal pixfmt.Format
	conv     pixfmt.Converter
	scratch  []byte
	pal      *pixfmt.Palette // RGBA, persists across frames
	rows     int
	frames   int
}

// NewWriter encodes the named format to w. The caller keeps ownership of w.
func NewWriter(w io.Writer, format string, o *Options) (*Writer, error) {
	b, err := backendFor(format)
	if err != nil {
		return nil, err
	}
	if b.NewEncoder == nil {
		return nil, fmt.Errorf("%w: %s cannot be written", ErrUnsupported, b.Name)
	}
	o = orDefault(o)
	enc, err := b.NewEncoder(w, o)
	if err != nil {
		return nil, Classify(err)
	}
	return &Writer{
		enc:    enc,
		format: b.Name,
		log:    o.Logger.Named(b.Name),
	}, nil
}

// Format names the backend encoding the stream.
func (w *Writer) Format() string { return w.format }

// Frames returns how many frames have been written completely.
func (w *Writer) Frames() int { return w.frames }

// BeginFrame declares the next frame. Rows passed to WriteRows are in
// f.Format.
func (w *Writer) BeginFrame(f Frame) error {
	if err := w.enter("BeginFrame", stateReady); err != nil {
		return err
	}
	if err := f.validate(); err != nil {
		return w.fail(err)
	}
	internal, err := w.enc.BeginFrame(f)
	if err != nil {
		return w.fail(err)
	}
	w.frame = f
	w.internal = internal
	w.conv = nil
	w.rows = 0
	w.state = stateHeader
	w.log.Debug("begin frame",
		"index", w.frames,
		"width", f.Width, "height", f.Height,
		"x", f.X, "y", f.Y,
		"format", f.Format, "internal", internal)
	return nil
}

// SetPalette installs the palette used by this and later frames. count is
// capped at 256 and f must be RGB or RGBA.
func (w *Writer) SetPalette(f pixfmt.Format, colors []byte, count int) error {
	if err := w.enter("SetPalette", stateReady, stateHeader); err != nil {
		return err
	}
	p, err := pixfmt.NewPalette(f, colors, count)
	if err != nil {
		return w.fail(fmt.Errorf("%w: %v", ErrBadParam, err))
	}
	w.pal = p.Normalize()
	w.log.Trace("palette", "colors", w.pal.Count)
	return nil
}

// begin resolves the row conversion and emits the frame header.
func (w *Writer) begin() error {
	ext := w.frame.Format
	if ext == pixfmt.Indexed8 && w.pal == nil && w.internal != pixfmt.Indexed8 {
		return fmt.Errorf("%w: indexed rows cannot become %s without a palette", ErrNoPalette, w.internal)
	}
	if ext != w.internal {
		conv, ok := pixfmt.Pick(ext, w.internal)
		if !ok {
			return fmt.Errorf("%w: %s to %s", ErrNoConversion, ext, w.internal)
		}
		w.log.Trace("converting", "from", ext, "to", w.internal)
		w.conv = conv
		w.scratch = make([]byte, w.internal.RowBytes(w.frame.Width))
	}
	hdr := w.frame
	hdr.Format = w.internal
	hdr.PaletteSize = 0
	if w.pal != nil {
		hdr.PaletteSize = w.pal.Count
	}
	if err := w.enc.WriteHeader(hdr, w.pal); err != nil {
		return err
	}
	w.state = stateBody
	return nil
}

// WriteRows writes the next rows rows from src, spaced stride bytes apart.
// A negative stride reads them bottom-up: the first row written is taken
// from the last slot of src.
func (w *Writer) WriteRows(src []byte, rows, stride int) error {
	if err := w.enter("WriteRows", stateHeader, stateBody); err != nil {
		return err
	}
	if rows < 0 {
		return w.fail(fmt.Errorf("%w: %d rows", ErrBadParam, rows))
	}
	if left := w.frame.Height - w.rows; rows > left {
		return w.fail(fmt.Errorf("%w: %d offered, %d left", ErrTooManyRows, rows, left))
	}
	rowBytes := w.frame.Format.RowBytes(w.frame.Width)
	if err := checkStride(len(src), rows, stride, rowBytes); err != nil {
		return w.fail(err)
	}
	if w.state == stateHeader {
		if err := w.begin(); err != nil {
			return w.fail(err)
		}
	}

	var palRGBA []byte
	if w.conv != nil && w.pal != nil {
		palRGBA = w.pal.Colors
	}
	for i := 0; i < rows; i++ {
		off := rowOffset(i, rows, stride)
		row := src[off : off+rowBytes]
		if w.conv != nil {
			w.conv(w.scratch, row, w.frame.Width, palRGBA)
			row = w.scratch
		}
		if err := w.enc.WriteRow(row); err != nil {
			return w.fail(err)
		}
		w.rows++
	}

	if w.rows == w.frame.Height {
		if err := w.enc.EndFrame(); err != nil {
			return w.fail(err)
		}
		w.state = stateReady
		w.frames++
		w.log.Debug("frame done", "index", w.frames-1)
	}
	return nil
}

// WriteFrame writes img as one frame, installing its palette if it has one.
func (w *Writer) WriteFrame(img *raster.Image) error {
	if err := w.BeginFrame(Frame{Width: img.Width, Height: img.Height, Format: img.Format}); err != nil {
		return err
	}
	if p := img.Palette(); p != nil {
		if err := w.SetPalette(p.Format, p.Colors, p.Count); err != nil {
			return err
		}
	}
	return w.WriteRows(img.Pix, img.Height, img.Pitch)
}

// Finish completes the stream: the backend flushes anything it buffered and
// an owned stream is closed. A frame begun but not fully written is
// reported as ErrUnfinishedFrame.
func (w *Writer) Finish() error {
	if w.state == stateClosed {
		return w.err
	}
	if w.state == stateHeader || w.state == stateBody {
		w.fail(fmt.Errorf("%w: %d of %d rows written", ErrUnfinishedFrame, w.rows, w.frame.Height))
	}
	encErr := w.enc.Close()
	var closeOwned error
	if w.owned != nil {
		if err := w.owned.Close(); err != nil {
			closeOwned = fmt.Errorf("%w: close: %v", ErrIO, err)
		}
	}
	w.scratch = nil
	w.pal = nil
	return w.finish(encErr, closeOwned)
}
