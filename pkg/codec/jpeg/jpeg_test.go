package jpeg

import (
	"bytes"
	"errors"
	stdjpeg "image/jpeg"
	"io"
	"testing"

	"github.com/fumiama/imgsz"

	"imstream/pkg/codec"
	"imstream/pkg/pixfmt"
	"imstream/pkg/raster"
)

func smooth(w, h int) *raster.Image {
	img, _ := raster.New(w, h, pixfmt.RGB)
	for y := 0; y < h; y++ {
		row := img.Row(y)
		for x := 0; x < w; x++ {
			row[x*3+0] = byte(x * 255 / w)
			row[x*3+1] = byte(y * 255 / h)
			row[x*3+2] = 128
		}
	}
	return img
}

func encode(t *testing.T, img *raster.Image, quality int) []byte {
	t.Helper()
	o := codec.DefaultOptions()
	o.Quality = quality
	var buf bytes.Buffer
	w, err := codec.NewWriter(&buf, "jpeg", o)
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

func TestRoundTrip(t *testing.T) {
	src := smooth(48, 32)
	out := encode(t, src, 95)

	size, format, err := imgsz.DecodeSize(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("DecodeSize: %v", err)
	}
	if format != "jpeg" || size.Width != 48 || size.Height != 32 {
		t.Fatalf("sniffed %s %dx%d", format, size.Width, size.Height)
	}
	if _, err := stdjpeg.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}

	rd, err := codec.NewReader(bytes.NewReader(out), "jpeg", nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	back, err := rd.ReadFrame(codec.Native)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, err := rd.NextFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if err := rd.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if back.Format != pixfmt.RGB || back.Width != 48 || back.Height != 32 {
		t.Fatalf("decoded %s %dx%d", back.Format, back.Width, back.Height)
	}
	for i := range src.Pix {
		d := int(src.Pix[i]) - int(back.Pix[i])
		if d < -12 || d > 12 {
			t.Fatalf("byte %d: %d vs %d", i, src.Pix[i], back.Pix[i])
		}
	}
}

func TestQuality(t *testing.T) {
	src := smooth(64, 64)
	low, high := encode(t, src, 5), encode(t, src, 95)
	if len(low) >= len(high) {
		t.Fatalf("quality 5 gave %d bytes, quality 95 gave %d", len(low), len(high))
	}
}

func TestAlphaDropped(t *testing.T) {
	img, _ := raster.New(8, 8, pixfmt.RGBA)
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	out := encode(t, img, 90)
	m, err := stdjpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	if _, _, _, a := m.At(3, 3).RGBA(); a != 0xffff {
		t.Fatalf("alpha %d", a)
	}
}

func TestFaults(t *testing.T) {
	good := encode(t, smooth(16, 16), 75)
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"truncated", good[:len(good)/2], codec.ErrMalformed},
		{"not a jpeg", []byte("definitely not an image"), codec.ErrCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd, err := codec.NewReader(bytes.NewReader(tt.data), "jpeg", nil)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			if _, err := rd.ReadFrame(codec.Native); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if err := rd.Finish(); !errors.Is(err, tt.want) {
				t.Fatalf("Finish: %v", err)
			}
		})
	}

	t.Run("second frame", func(t *testing.T) {
		w, _ := codec.NewWriter(io.Discard, "jpeg", nil)
		img := smooth(2, 2)
		if err := w.WriteFrame(img); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		if err := w.WriteFrame(img); !errors.Is(err, codec.ErrUnsupported) {
			t.Fatalf("expected ErrUnsupported, got %v", err)
		}
	})
}

func TestMatch(t *testing.T) {
	rd, err := codec.NewReaderDetect(bytes.NewReader(encode(t, smooth(4, 4), 75)), nil)
	if err != nil {
		t.Fatalf("NewReaderDetect: %v", err)
	}
	defer rd.Finish()
	if rd.Format() != "jpeg" {
		t.Fatalf("detected %q", rd.Format())
	}
}
