package pixfmt

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxColors is the largest palette any backend reads or writes.
const MaxColors = 256

var ErrPalette = errors.New("pixfmt: invalid palette")

// Palette is a colour table attached to an indexed frame.
type Palette struct {
	Format Format // RGB or RGBA
	Count  int
	Colors []byte
}

// NewPalette copies count colours of format f out of colors. Count is capped
// at MaxColors.
func NewPalette(f Format, colors []byte, count int) (*Palette, error) {
	if f != RGB && f != RGBA {
		return nil, fmt.Errorf("%w: format %s", ErrPalette, f)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrPalette, count)
	}
	if count > MaxColors {
		count = MaxColors
	}
	n := count * f.BytesPerPixel()
	if len(colors) < n {
		return nil, fmt.Errorf("%w: %d bytes for %d colours", ErrPalette, len(colors), count)
	}
	return &Palette{Format: f, Count: count, Colors: append([]byte(nil), colors[:n]...)}, nil
}

// RGBA returns the palette as RGBA quads. RGB entries get alpha 255.
func (p *Palette) RGBA() []byte {
	if p == nil {
		return nil
	}
	if p.Format == RGBA {
		return append([]byte(nil), p.Colors[:p.Count*4]...)
	}
	out := make([]byte, p.Count*4)
	conv, _ := Pick(p.Format, RGBA)
	conv(out, p.Colors, p.Count, nil)
	return out
}

// Normalize returns an RGBA copy of the palette.
func (p *Palette) Normalize() *Palette {
	if p == nil {
		return nil
	}
	return &Palette{Format: RGBA, Count: p.Count, Colors: p.RGBA()}
}

// Equal compares two palettes after normalisation.
func (p *Palette) Equal(o *Palette) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Count == o.Count && bytes.Equal(p.RGBA(), o.RGBA())
}

// ConvertPalette translates count RGBA entries into dst, which must carry colour.
func ConvertPalette(rgba []byte, count int, dst Format) ([]byte, bool) {
	if !dst.HasColor() || len(rgba) < count*4 {
		return nil, false
	}
	conv, ok := Pick(RGBA, dst)
	if !ok {
		return nil, false
	}
	out := make([]byte, dst.RowBytes(count))
	conv(out, rgba, count, nil)
	return out, true
}
