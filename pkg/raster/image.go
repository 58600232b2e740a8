// Package raster is the row-addressable pixel buffer shared by the codec
// backends: fixed dimensions, one pixfmt.Format, optional attached palette.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"imstream/pkg/pixfmt"
)

// MaxBytes bounds a single allocation; larger rasters fail with ErrTooLarge.
const MaxBytes = 1 << 30

var (
	ErrTooLarge   = errors.New("raster: image too large")
	ErrDimensions = errors.New("raster: invalid dimensions")
)

// Image owns width*height pixels of a single format. Rows are packed without
// padding, so Pitch == Format.RowBytes(Width).
type Image struct {
	Width, Height int
	Format        pixfmt.Format
	Pitch         int
	Pix           []byte

	palette *pixfmt.Palette
}

func New(width, height int, f pixfmt.Format) (*Image, error) {
	if err := CheckSize(width, height, f); err != nil {
		return nil, err
	}
	pitch := f.RowBytes(width)
	return &Image{
		Width:  width,
		Height: height,
		Format: f,
		Pitch:  pitch,
		Pix:    make([]byte, pitch*height),
	}, nil
}

// CheckSize reports whether a width x height image of format f can be
// allocated, without allocating it.
func CheckSize(width, height int, f pixfmt.Format) error {
	if width <= 0 || height <= 0 || !f.Valid() {
		return fmt.Errorf("%w: %dx%d %s", ErrDimensions, width, height, f)
	}
	if int64(width)*int64(f.BytesPerPixel())*int64(height) > MaxBytes {
		return fmt.Errorf("%w: %dx%d %s", ErrTooLarge, width, height, f)
	}
	return nil
}

// Row returns the bytes of row y, aliased to the image storage.
func (m *Image) Row(y int) []byte {
	return m.Pix[y*m.Pitch : (y+1)*m.Pitch]
}

// Fill sets every byte of the pixel storage to v.
func (m *Image) Fill(v byte) {
	for i := range m.Pix {
		m.Pix[i] = v
	}
}

// FillRect sets every pixel of an Indexed8 or Alpha image inside r to v.
// The rectangle is clipped to the image.
func (m *Image) FillRect(r image.Rectangle, v byte) {
	r = r.Intersect(image.Rect(0, 0, m.Width, m.Height))
	bpp := m.Format.BytesPerPixel()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Row(y)[r.Min.X*bpp : r.Max.X*bpp]
		for i := range row {
			row[i] = v
		}
	}
}

// CopyFrom overwrites m with the pixels of src, which must match in size and format.
func (m *Image) CopyFrom(src *Image) {
	copy(m.Pix, src.Pix)
}

// Clone returns a deep copy including the palette.
func (m *Image) Clone() *Image {
	c := *m
	c.Pix = append([]byte(nil), m.Pix...)
	if m.palette != nil {
		p := *m.palette
		p.Colors = append([]byte(nil), m.palette.Colors...)
		c.palette = &p
	}
	return &c
}

func (m *Image) SetPalette(p *pixfmt.Palette) { m.palette = p }

func (m *Image) Palette() *pixfmt.Palette { return m.palette }

// PaletteEqual compares the attached palettes after RGBA normalisation.
func (m *Image) PaletteEqual(o *Image) bool {
	return m.palette.Equal(o.palette)
}

// NRGBA renders the raster as a standard library image, looking indexed
// pixels up in the attached palette.
func (m *Image) NRGBA() (*image.NRGBA, error) {
	conv, ok := pixfmt.Pick(m.Format, pixfmt.RGBA)
	if !ok {
		return nil, fmt.Errorf("raster: no conversion from %s", m.Format)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	pal := m.palette.RGBA()
	for y := 0; y < m.Height; y++ {
		conv(dst.Pix[y*dst.Stride:], m.Row(y), m.Width, pal)
	}
	return dst, nil
}

// FromImage copies any image.Image into a raster of format f with bounds
// starting at (0,0).
func FromImage(src image.Image, f pixfmt.Format) (*Image, error) {
	b := src.Bounds()
	conv, ok := pixfmt.Pick(pixfmt.RGBA, f)
	if !ok {
		return nil, fmt.Errorf("raster: no conversion to %s", f)
	}
	m, err := New(b.Dx(), b.Dy(), f)
	if err != nil {
		return nil, err
	}
	tmp := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(tmp, tmp.Bounds(), src, b.Min, draw.Src)
	for y := 0; y < m.Height; y++ {
		conv(m.Row(y), tmp.Pix[y*tmp.Stride:], m.Width, nil)
	}
	return m, nil
}
