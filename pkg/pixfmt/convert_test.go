package pixfmt

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func makeRGBARow(n int) []byte {
	row := make([]byte, n*4)
	for i := 0; i < n; i++ {
		row[i*4+0] = uint8((i * 17) ^ 0x5a)
		row[i*4+1] = uint8(i*43 + 7)
		row[i*4+2] = uint8((i * 7) ^ 0x33)
		row[i*4+3] = uint8(255 - i*11)
	}
	return row
}

// rowIn renders a reference RGBA row in format f so that pad bytes and
// missing channels hold the values a converter would produce.
func rowIn(t *testing.T, f Format, n int) []byte {
	t.Helper()
	conv, ok := Pick(RGBA, f)
	if !ok {
		t.Fatalf("Pick(rgba, %s) unavailable", f)
	}
	out := make([]byte, f.RowBytes(n))
	conv(out, makeRGBARow(n), n, nil)
	return out
}

func family() []Format {
	return []Format{RGB, BGR, RGBA, BGRA, ARGB, ABGR, RGBX, BGRX, Alpha}
}

func TestPick_Identity(t *testing.T) {
	for f := Format(0); f < formatCount; f++ {
		conv, ok := Pick(f, f)
		if !ok {
			t.Fatalf("Pick(%s, %s) unavailable", f, f)
		}
		src := make([]byte, f.RowBytes(9))
		for i := range src {
			src[i] = byte(i*29 + 3)
		}
		dst := make([]byte, len(src))
		conv(dst, src, 9, nil)
		if !bytes.Equal(dst, src) {
			t.Fatalf("%s identity changed bytes: %v", f, cmp.Diff(src, dst))
		}
	}
}

func TestPick_FamilyCoverage(t *testing.T) {
	for _, a := range family() {
		for _, b := range family() {
			if _, ok := Pick(a, b); !ok {
				t.Errorf("Pick(%s, %s) unavailable", a, b)
			}
		}
	}
}

func TestPick_Unsupported(t *testing.T) {
	for _, tc := range []struct {
		src, dst Format
	}{
		{RGB, Indexed8},
		{RGBA, Luminance},
		{Luminance, RGB},
		{Alpha, Indexed8},
		{Indexed8, Luminance},
		{Format(200), RGB},
	} {
		if _, ok := Pick(tc.src, tc.dst); ok {
			t.Errorf("Pick(%s, %s) should be unsupported", tc.src, tc.dst)
		}
	}
}

func TestPick_RoundTrip(t *testing.T) {
	const n = 13
	for _, a := range family() {
		for _, b := range family() {
			if a.HasAlpha() && !b.HasAlpha() || a.HasColor() && !b.HasColor() {
				continue
			}
			t.Run(a.String()+"_"+b.String(), func(t *testing.T) {
				src := rowIn(t, a, n)
				there, _ := Pick(a, b)
				back, _ := Pick(b, a)
				mid := make([]byte, b.RowBytes(n))
				there(mid, src, n, nil)
				got := make([]byte, a.RowBytes(n))
				back(got, mid, n, nil)
				if diff := cmp.Diff(src, got); diff != "" {
					t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestPick_AlphaRules(t *testing.T) {
	conv, _ := Pick(RGB, RGBA)
	dst := make([]byte, 4)
	conv(dst, []byte{1, 2, 3}, 1, nil)
	if diff := cmp.Diff([]byte{1, 2, 3, 255}, dst); diff != "" {
		t.Fatalf("rgb->rgba (-want +got):\n%s", diff)
	}

	conv, _ = Pick(Alpha, BGRA)
	conv(dst, []byte{77}, 1, nil)
	if diff := cmp.Diff([]byte{0, 0, 0, 77}, dst); diff != "" {
		t.Fatalf("alpha->bgra (-want +got):\n%s", diff)
	}

	conv, _ = Pick(ARGB, RGB)
	rgb := make([]byte, 3)
	conv(rgb, []byte{9, 1, 2, 3}, 1, nil)
	if diff := cmp.Diff([]byte{1, 2, 3}, rgb); diff != "" {
		t.Fatalf("argb->rgb (-want +got):\n%s", diff)
	}

	conv, _ = Pick(RGBA, RGBX)
	conv(dst, []byte{1, 2, 3, 4}, 1, nil)
	if diff := cmp.Diff([]byte{1, 2, 3, 255}, dst); diff != "" {
		t.Fatalf("rgba->rgbx (-want +got):\n%s", diff)
	}
}

func TestPick_Indexed(t *testing.T) {
	pal := []byte{
		10, 20, 30, 255,
		40, 50, 60, 0,
	}
	conv, ok := Pick(Indexed8, BGRA)
	if !ok {
		t.Fatalf("Pick(indexed8, bgra) unavailable")
	}
	dst := make([]byte, 12)
	conv(dst, []byte{1, 0, 9}, 3, pal)
	// index 9 is past the palette
	want := []byte{60, 50, 40, 0, 30, 20, 10, 255, 0, 0, 0, 255}
	if diff := cmp.Diff(want, dst); diff != "" {
		t.Fatalf("indexed lookup (-want +got):\n%s", diff)
	}

	conv, _ = Pick(Indexed8, Alpha)
	a := make([]byte, 2)
	conv(a, []byte{0, 1}, 2, pal)
	if diff := cmp.Diff([]byte{255, 0}, a); diff != "" {
		t.Fatalf("indexed->alpha (-want +got):\n%s", diff)
	}
}

func TestPick_NoOverrun(t *testing.T) {
	conv, _ := Pick(RGB, RGBA)
	src := []byte{1, 2, 3, 4, 5, 6, 0xEE}
	dst := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xCC}
	conv(dst, src, 2, nil)
	if dst[8] != 0xCC {
		t.Fatalf("converter wrote past its row: %v", dst)
	}
}

func TestParseFormat(t *testing.T) {
	for f := Format(0); f < formatCount; f++ {
		got, ok := ParseFormat(" " + f.String())
		if !ok || got != f {
			t.Fatalf("ParseFormat(%q) = %v, %v", f.String(), got, ok)
		}
	}
	if _, ok := ParseFormat("cmyk"); ok {
		t.Fatalf("ParseFormat accepted cmyk")
	}
}

func TestPalette(t *testing.T) {
	p, err := NewPalette(RGB, []byte{1, 2, 3, 4, 5, 6}, 2)
	if err != nil {
		t.Fatalf("NewPalette: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 255, 4, 5, 6, 255}, p.RGBA()); diff != "" {
		t.Fatalf("RGBA (-want +got):\n%s", diff)
	}
	q, _ := NewPalette(RGBA, []byte{1, 2, 3, 255, 4, 5, 6, 255}, 2)
	if !p.Equal(q) {
		t.Fatalf("normalised palettes should be equal")
	}
	if _, err := NewPalette(RGB, []byte{1, 2}, 1); err == nil {
		t.Fatalf("expected error for short colour buffer")
	}
	if _, err := NewPalette(BGR, []byte{1, 2, 3}, 1); err == nil {
		t.Fatalf("expected error for bgr palette")
	}
	big, err := NewPalette(RGB, make([]byte, 300*3), 300)
	if err != nil || big.Count != MaxColors {
		t.Fatalf("count not capped: %v %v", big, err)
	}

	bgr, ok := ConvertPalette(p.RGBA(), 2, BGR)
	if !ok {
		t.Fatalf("ConvertPalette to bgr failed")
	}
	if diff := cmp.Diff([]byte{3, 2, 1, 6, 5, 4}, bgr); diff != "" {
		t.Fatalf("ConvertPalette (-want +got):\n%s", diff)
	}
	if _, ok := ConvertPalette(p.RGBA(), 2, Indexed8); ok {
		t.Fatalf("ConvertPalette to indexed should fail")
	}
	if _, ok := ConvertPalette(p.RGBA(), 2, Alpha); ok {
		t.Fatalf("ConvertPalette to alpha should fail")
	}
}
