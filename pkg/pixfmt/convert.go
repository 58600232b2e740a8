package pixfmt

// Converter translates n pixels from src into dst. pal holds up to 256 RGBA
// entries and is consulted only when the source is Indexed8. A converter never
// reads past n*src width bytes nor writes past n*dst width bytes.
type Converter func(dst, src []byte, n int, pal []byte)

// Pick returns the converter from src to dst. The second result is false when
// no converter exists; no quantisation into Indexed8 is ever attempted.
// Indexed pixels past the end of the palette come out opaque black.
func Pick(src, dst Format) (Converter, bool) {
	if !src.Valid() || !dst.Valid() {
		return nil, false
	}
	if src == dst {
		bpp := src.BytesPerPixel()
		return func(d, s []byte, n int, _ []byte) {
			copy(d[:n*bpp], s[:n*bpp])
		}, true
	}
	if !dst.rgbFamily() {
		return nil, false
	}
	switch {
	case src == Indexed8:
		return lookupConverter(layouts[dst]), true
	case src.rgbFamily():
		if swap, ok := swapConverter(src, dst); ok {
			return swap, true
		}
		return channelConverter(layouts[src], layouts[dst]), true
	}
	return nil, false
}

// store writes one pixel in layout d. Pad bytes are always 0xff.
func store(p []byte, d layout, r, g, b, a byte) {
	if d.r >= 0 {
		p[d.r] = r
		p[d.g] = g
		p[d.b] = b
	}
	if d.a >= 0 {
		p[d.a] = a
	}
	if d.pad >= 0 {
		p[d.pad] = 0xff
	}
}

func channelConverter(s, d layout) Converter {
	return func(dst, src []byte, n int, _ []byte) {
		for i := 0; i < n; i++ {
			sp := src[i*s.bpp : i*s.bpp+s.bpp]
			var r, g, b, a byte = 0, 0, 0, 0xff
			if s.r >= 0 {
				r, g, b = sp[s.r], sp[s.g], sp[s.b]
			}
			if s.a >= 0 {
				a = sp[s.a]
			}
			store(dst[i*d.bpp:i*d.bpp+d.bpp], d, r, g, b, a)
		}
	}
}

func lookupConverter(d layout) Converter {
	return func(dst, src []byte, n int, pal []byte) {
		entries := len(pal) / 4
		for i := 0; i < n; i++ {
			var r, g, b, a byte = 0, 0, 0, 0xff
			if idx := int(src[i]); idx < entries {
				e := pal[idx*4 : idx*4+4]
				r, g, b, a = e[0], e[1], e[2], e[3]
			}
			store(dst[i*d.bpp:i*d.bpp+d.bpp], d, r, g, b, a)
		}
	}
}

// swapConverter covers the red/blue swaps that backends hit on every row.
func swapConverter(src, dst Format) (Converter, bool) {
	switch {
	case (src == RGB && dst == BGR) || (src == BGR && dst == RGB):
		return func(d, s []byte, n int, _ []byte) {
			for i := 0; i < n*3; i += 3 {
				d[i], d[i+1], d[i+2] = s[i+2], s[i+1], s[i]
			}
		}, true
	case (src == RGBA && dst == BGRA) || (src == BGRA && dst == RGBA):
		return func(d, s []byte, n int, _ []byte) {
			for i := 0; i < n*4; i += 4 {
				d[i], d[i+1], d[i+2], d[i+3] = s[i+2], s[i+1], s[i], s[i+3]
			}
		}, true
	}
	return nil, false
}
