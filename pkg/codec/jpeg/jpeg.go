// Package jpeg wraps the standard library's baseline JPEG engine as a
// single-frame backend. Decoding happens whole on NextFrame; encoding
// happens whole when the last row arrives.
package jpeg

import (
	"bufio"
	"fmt"
	"image"
	stdjpeg "image/jpeg"
	"io"

	"github.com/hashicorp/go-hclog"
	filetype "gopkg.in/h2non/filetype.v1"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

func init() {
	codec.Register(codec.Backend{
		Name:       "jpeg",
		Extensions: []string{".jpg", ".jpeg"},
		Match:      func(head []byte) bool { return filetype.Is(head, "jpg") },
		NewDecoder: func(r io.Reader, o *codec.Options) (codec.FrameDecoder, error) {
			return &decoder{r: r, log: o.Logger.Named("jpeg")}, nil
		},
		NewEncoder: func(w io.Writer, o *codec.Options) (codec.FrameEncoder, error) {
			return &encoder{w: w, log: o.Logger.Named("jpeg"), quality: o.Quality}, nil
		},
	})
}

// engineError files a failure of the JPEG engine under ErrCodec, keeping
// truncation recognisable.
func engineError(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: jpeg: %v", codec.ErrCodec, err)
}

type decoder struct {
	r    io.Reader
	log  hclog.Logger
	img  *raster.Image
	y    int
	done bool
}

func (d *decoder) NextFrame() (codec.Frame, *pixfmt.Palette, error) {
	if d.done {
		return codec.Frame{}, nil, io.EOF
	}
	d.done = true
	m, err := stdjpeg.Decode(d.r)
	if err != nil {
		return codec.Frame{}, nil, engineError(err)
	}
	img, err := raster.FromImage(m, pixfmt.RGB)
	if err != nil {
		return codec.Frame{}, nil, err
	}
	d.log.Debug("decoded", "width", img.Width, "height", img.Height, "model", fmt.Sprintf("%T", m))
	d.img = img
	d.y = 0
	return codec.Frame{Width: img.Width, Height: img.Height, Format: pixfmt.RGB}, nil, nil
}

func (d *decoder) ReadRow(row []byte) error {
	copy(row, d.img.Row(d.y))
	d.y++
	return nil
}

func (d *decoder) Close() error {
	d.img = nil
	return nil
}

// encoder collects RGB rows and hands the whole picture to the engine.
type encoder struct {
	w       io.Writer
	log     hclog.Logger
	quality int

	img     *image.RGBA
	y       int
	written bool
}

func (e *encoder) BeginFrame(f codec.Frame) (pixfmt.Format, error) {
	if e.written || e.img != nil {
		return 0, codec.Unsupportedf("jpeg: a file holds a single image")
	}
	if f.Format == pixfmt.Luminance {
		return 0, codec.Unsupportedf("jpeg: cannot write %s", f.Format)
	}
	return pixfmt.RGBX, nil
}

func (e *encoder) WriteHeader(f codec.Frame, _ *pixfmt.Palette) error {
	if int64(f.Width)*int64(f.Height)*4 > raster.MaxBytes {
		return fmt.Errorf("%w: jpeg: %dx%d", codec.ErrNoMemory, f.Width, f.Height)
	}
	e.img = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	e.y = 0
	return nil
}

func (e *encoder) WriteRow(row []byte) error {
	line := e.img.Pix[e.y*e.img.Stride : (e.y+1)*e.img.Stride]
	copy(line, row)
	for i := 3; i < len(line); i += 4 {
		line[i] = 0xff
	}
	e.y++
	return nil
}

func (e *encoder) EndFrame() error {
	bw := bufio.NewWriter(e.w)
	if err := stdjpeg.Encode(bw, e.img, &stdjpeg.Options{Quality: e.quality}); err != nil {
		return engineError(err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	e.log.Debug("encoded", "width", e.img.Rect.Dx(), "height", e.img.Rect.Dy(), "quality", e.quality)
	e.img = nil
	e.written = true
	return nil
}

func (e *encoder) Close() error {
	e.img = nil
	return nil
}
