package png

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	stdpng "image/png"
	"io"
	"math/rand"
	"testing"

	"github.com/fumiama/imgsz"
	"github.com/google/go-cmp/cmp"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

func encodeStd(t *testing.T, m image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := stdpng.Encode(&buf, m); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func decode(t *testing.T, data []byte, f pixfmt.Format) *raster.Image {
	t.Helper()
	rd, err := codec.NewReader(bytes.NewReader(data), "png", nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	img, err := rd.ReadFrame(f)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, err := rd.NextFrame(); err != io.EOF {
		t.Fatalf("expected a single frame, got %v", err)
	}
	if err := rd.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return img
}

func decodeErr(data []byte) error {
	rd, err := codec.NewReader(bytes.NewReader(data), "png", nil)
	if err != nil {
		return err
	}
	_, err = rd.ReadFrame(codec.Native)
	rd.Finish()
	return err
}

// gradient has enough structure for the standard encoder to pick every
// filter type.
func gradient(w, h int, opaque bool) *image.NRGBA {
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if !opaque {
				a = uint8(x * 255 / w)
			}
			m.SetNRGBA(x, y, color.NRGBA{uint8(x * 7), uint8(y * 11), uint8((x ^ y) * 3), a})
		}
	}
	return m
}

func TestDecode_TrueColour(t *testing.T) {
	for _, opaque := range []bool{true, false} {
		t.Run(fmt.Sprintf("opaque=%v", opaque), func(t *testing.T) {
			src := gradient(37, 23, opaque)
			img := decode(t, encodeStd(t, src), pixfmt.RGBA)
			if diff := cmp.Diff(src.Pix, img.Pix); diff != "" {
				t.Fatalf("pixels (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_NativeFormat(t *testing.T) {
	img := decode(t, encodeStd(t, gradient(4, 4, true)), codec.Native)
	if img.Format != pixfmt.RGB {
		t.Fatalf("opaque image decoded as %s", img.Format)
	}
	img = decode(t, encodeStd(t, gradient(4, 4, false)), codec.Native)
	if img.Format != pixfmt.RGBA {
		t.Fatalf("translucent image decoded as %s", img.Format)
	}
}

func TestDecode_PaletteDepths(t *testing.T) {
	for _, n := range []int{2, 4, 16, 256} {
		t.Run(fmt.Sprintf("%d-colours", n), func(t *testing.T) {
			pal := make(color.Palette, n)
			for i := range pal {
				pal[i] = color.NRGBA{uint8(i), uint8(255 - i), uint8(i * 3), 255}
			}
			pal[n-1] = color.NRGBA{1, 2, 3, 0}
			m := image.NewPaletted(image.Rect(0, 0, 11, 5), pal)
			for i := range m.Pix {
				m.Pix[i] = uint8(i % n)
			}

			img := decode(t, encodeStd(t, m), codec.Native)
			if img.Format != pixfmt.Indexed8 {
				t.Fatalf("format %s", img.Format)
			}
			if diff := cmp.Diff(m.Pix, img.Pix); diff != "" {
				t.Fatalf("indices (-want +got):\n%s", diff)
			}
			rgba := img.Palette().RGBA()
			if img.Palette().Count != n {
				t.Fatalf("palette of %d", img.Palette().Count)
			}
			if rgba[(n-1)*4+3] != 0 || rgba[3] != 255 {
				t.Fatalf("tRNS not applied: %v", rgba[:4])
			}
		})
	}
}

func TestDecode_Unsupported(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	deep := image.NewNRGBA64(image.Rect(0, 0, 2, 2))
	deep.SetNRGBA64(0, 0, color.NRGBA64{1, 2, 3, 4})
	for name, m := range map[string]image.Image{"greyscale": gray, "16-bit": deep} {
		t.Run(name, func(t *testing.T) {
			if err := decodeErr(encodeStd(t, m)); !errors.Is(err, codec.ErrUnsupported) {
				t.Fatalf("expected ErrUnsupported, got %v", err)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	good := encodeStd(t, gradient(8, 8, true))
	tests := map[string]func([]byte) []byte{
		"signature":       func(b []byte) []byte { b[1] = 'Q'; return b },
		"IHDR checksum":   func(b []byte) []byte { b[8+8] ^= 0xff; return b },
		"truncated":       func(b []byte) []byte { return b[:len(b)/2] },
		"header only":     func(b []byte) []byte { return b[:8+25] },
		"empty":           func(b []byte) []byte { return nil },
		"bad chunk order": func(b []byte) []byte { copy(b[12:16], "PLTE"); return b },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			data := mutate(append([]byte(nil), good...))
			if err := decodeErr(data); !errors.Is(err, codec.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecode_CorruptStream(t *testing.T) {
	data := encodeStd(t, gradient(8, 8, true))
	// The first IDAT follows the 8-byte signature and the 25-byte IHDR.
	idat := 8 + 25
	if string(data[idat+4:idat+8]) != "IDAT" {
		t.Fatalf("unexpected chunk %q", data[idat+4:idat+8])
	}
	n := binary.BigEndian.Uint32(data[idat:])
	body := data[idat+8 : idat+8+int(n)]
	body[0] = 0x00 // not a zlib header
	crc := crcOf("IDAT", body)
	binary.BigEndian.PutUint32(data[idat+8+int(n):], crc)

	if err := decodeErr(data); !errors.Is(err, codec.ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}
}

func crcOf(typ string, data []byte) uint32 {
	var buf bytes.Buffer
	writeChunk(&buf, typ, data)
	b := buf.Bytes()
	return binary.BigEndian.Uint32(b[len(b)-4:])
}

func encode(t *testing.T, img *raster.Image, o *codec.Options) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := codec.NewWriter(&buf, "png", o)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteFrame(img); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func TestEncode_RoundTrip(t *testing.T) {
	rgb, _ := raster.New(9, 4, pixfmt.RGB)
	for i := range rgb.Pix {
		rgb.Pix[i] = byte(i * 7)
	}
	rgba, _ := raster.New(5, 6, pixfmt.RGBA)
	for i := range rgba.Pix {
		rgba.Pix[i] = byte(i * 3)
	}
	indexed, _ := raster.New(7, 3, pixfmt.Indexed8)
	for i := range indexed.Pix {
		indexed.Pix[i] = byte(i % 3)
	}
	pal, _ := pixfmt.NewPalette(pixfmt.RGBA, []byte{10, 20, 30, 255, 40, 50, 60, 0, 70, 80, 90, 255}, 3)
	indexed.SetPalette(pal)

	for _, img := range []*raster.Image{rgb, rgba, indexed} {
		t.Run(img.Format.String(), func(t *testing.T) {
			out := encode(t, img, nil)

			size, format, err := imgsz.DecodeSize(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("DecodeSize: %v", err)
			}
			if format != "png" || size.Width != img.Width || size.Height != img.Height {
				t.Fatalf("sniffed %s %dx%d", format, size.Width, size.Height)
			}

			std, err := stdpng.Decode(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("png.Decode: %v", err)
			}
			want, _ := img.NRGBA()
			got := image.NewNRGBA(std.Bounds())
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					got.Set(x, y, std.At(x, y))
				}
			}
			// Fully transparent pixels lose their colour in the standard decoder.
			for i := 3; i < len(want.Pix); i += 4 {
				if want.Pix[i] == 0 {
					copy(want.Pix[i-3:i], []byte{0, 0, 0})
					copy(got.Pix[i-3:i], []byte{0, 0, 0})
				}
			}
			if diff := cmp.Diff(want.Pix, got.Pix); diff != "" {
				t.Fatalf("standard decoder (-want +got):\n%s", diff)
			}

			back := decode(t, out, codec.Native)
			if back.Format != img.Format {
				t.Fatalf("format %s, want %s", back.Format, img.Format)
			}
			if diff := cmp.Diff(img.Pix, back.Pix); diff != "" {
				t.Fatalf("pixels (-want +got):\n%s", diff)
			}
			if !img.PaletteEqual(back) {
				t.Fatalf("palette changed")
			}
		})
	}
}

func TestEncode_PaletteDepth(t *testing.T) {
	img, _ := raster.New(3, 1, pixfmt.Indexed8)
	copy(img.Pix, []byte{0, 1, 2})
	pal, _ := pixfmt.NewPalette(pixfmt.RGB, []byte{1, 1, 1, 2, 2, 2, 3, 3, 3}, 3)
	img.SetPalette(pal)
	out := encode(t, img, nil)

	if depth, ct := out[8+8+8], out[8+8+9]; depth != 2 || ct != ctPalette {
		t.Fatalf("IHDR depth %d colour type %d", depth, ct)
	}
	if bytes.Contains(out, []byte("tRNS")) {
		t.Fatalf("opaque palette wrote tRNS")
	}
}

func TestEncode_ConvertsBGRA(t *testing.T) {
	img, _ := raster.New(2, 1, pixfmt.BGRA)
	copy(img.Pix, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	back := decode(t, encode(t, img, nil), codec.Native)
	if back.Format != pixfmt.RGBA {
		t.Fatalf("format %s", back.Format)
	}
	if diff := cmp.Diff([]byte{3, 2, 1, 4, 7, 6, 5, 8}, back.Pix); diff != "" {
		t.Fatalf("pixels (-want +got):\n%s", diff)
	}
}

func TestEncode_SeveralIDAT(t *testing.T) {
	img, _ := raster.New(160, 100, pixfmt.RGBA)
	rand.New(rand.NewSource(1)).Read(img.Pix)
	o := codec.DefaultOptions()
	o.Level = 0
	out := encode(t, img, o)
	if n := bytes.Count(out, []byte("IDAT")); n < 2 {
		t.Fatalf("%d IDAT chunks", n)
	}
	back := decode(t, out, codec.Native)
	if !bytes.Equal(img.Pix, back.Pix) {
		t.Fatalf("pixels differ after a multi-chunk round trip")
	}
}

func TestEncode_Faults(t *testing.T) {
	t.Run("second frame", func(t *testing.T) {
		w, _ := codec.NewWriter(io.Discard, "png", nil)
		img, _ := raster.New(1, 1, pixfmt.RGB)
		if err := w.WriteFrame(img); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		if err := w.WriteFrame(img); !errors.Is(err, codec.ErrUnsupported) {
			t.Fatalf("expected ErrUnsupported, got %v", err)
		}
	})
	t.Run("index beyond palette", func(t *testing.T) {
		w, _ := codec.NewWriter(io.Discard, "png", nil)
		img, _ := raster.New(2, 1, pixfmt.Indexed8)
		img.Pix[1] = 5
		pal, _ := pixfmt.NewPalette(pixfmt.RGB, []byte{0, 0, 0, 9, 9, 9}, 2)
		img.SetPalette(pal)
		if err := w.WriteFrame(img); !errors.Is(err, codec.ErrBadParam) {
			t.Fatalf("expected ErrBadParam, got %v", err)
		}
	})
}

func TestMatch(t *testing.T) {
	rd, err := codec.NewReaderDetect(bytes.NewReader(encodeStd(t, gradient(2, 2, true))), nil)
	if err != nil {
		t.Fatalf("NewReaderDetect: %v", err)
	}
	defer rd.Finish()
	if rd.Format() != "png" {
		t.Fatalf("detected %q", rd.Format())
	}
}
