// Package pixfmt describes the pixel layouts exchanged between callers and
// codec backends, their palettes, and the row converters between them.
package pixfmt

import "strings"

// Format identifies a pixel layout. The byte width of every format is fixed.
type Format uint8

const (
	// Indexed8 is one palette index per byte.
	Indexed8 Format = iota
	RGB
	BGR
	RGBA
	BGRA
	ARGB
	ABGR
	// RGBX and BGRX carry a pad byte in place of alpha.
	RGBX
	BGRX
	// Alpha is a single alpha (coverage) byte per pixel.
	Alpha
	// Luminance is reserved; no converter reads or writes it.
	Luminance

	formatCount
)

// layout gives the byte offset of each channel within a pixel, -1 when absent.
type layout struct {
	name       string
	bpp        int
	r, g, b, a int
	pad        int
}

var layouts = [formatCount]layout{
	Indexed8:  {name: "indexed8", bpp: 1, r: -1, g: -1, b: -1, a: -1, pad: -1},
	RGB:       {name: "rgb", bpp: 3, r: 0, g: 1, b: 2, a: -1, pad: -1},
	BGR:       {name: "bgr", bpp: 3, r: 2, g: 1, b: 0, a: -1, pad: -1},
	RGBA:      {name: "rgba", bpp: 4, r: 0, g: 1, b: 2, a: 3, pad: -1},
	BGRA:      {name: "bgra", bpp: 4, r: 2, g: 1, b: 0, a: 3, pad: -1},
	ARGB:      {name: "argb", bpp: 4, r: 1, g: 2, b: 3, a: 0, pad: -1},
	ABGR:      {name: "abgr", bpp: 4, r: 3, g: 2, b: 1, a: 0, pad: -1},
	RGBX:      {name: "rgbx", bpp: 4, r: 0, g: 1, b: 2, a: -1, pad: 3},
	BGRX:      {name: "bgrx", bpp: 4, r: 2, g: 1, b: 0, a: -1, pad: 3},
	Alpha:     {name: "alpha", bpp: 1, r: -1, g: -1, b: -1, a: 0, pad: -1},
	Luminance: {name: "luminance", bpp: 1, r: -1, g: -1, b: -1, a: -1, pad: -1},
}

// Valid reports whether f is one of the declared formats.
func (f Format) Valid() bool { return f < formatCount }

// BytesPerPixel returns the byte width of one pixel, or 0 for an invalid format.
func (f Format) BytesPerPixel() int {
	if !f.Valid() {
		return 0
	}
	return layouts[f].bpp
}

// HasAlpha reports whether the format stores an alpha channel.
func (f Format) HasAlpha() bool {
	return f.Valid() && layouts[f].a >= 0
}

// HasColor reports whether the format stores red, green and blue.
func (f Format) HasColor() bool {
	return f.Valid() && layouts[f].r >= 0
}

// RowBytes returns the byte length of a row of width pixels.
func (f Format) RowBytes(width int) int {
	return width * f.BytesPerPixel()
}

func (f Format) String() string {
	if !f.Valid() {
		return "invalid"
	}
	return layouts[f].name
}

// ParseFormat maps a case-insensitive format name back to its tag.
func ParseFormat(name string) (Format, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f := Format(0); f < formatCount; f++ {
		if layouts[f].name == name {
			return f, true
		}
	}
	return 0, false
}

// rgbFamily reports membership in the set of directly convertible formats:
// the colour formats plus Alpha.
func (f Format) rgbFamily() bool {
	return f.Valid() && f != Indexed8 && f != Luminance
}
