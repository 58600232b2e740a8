package bmp

import (
	"io"

	"github.com/hashicorp/go-hclog"

	"imstream/pkg/codec"
	"imstream/pkg/raster"
)

// rleState walks the canvas in storage order (row 0 is the first stored
// row). Every write is bounds checked; a command that would leave the
// canvas is malformed data.
type rleState struct {
	br     io.ByteReader
	canvas *raster.Image
	nibble bool
	x, y   int
}

// unpackRLE decodes an RLE8 (nibble=false) or RLE4 stream into canvas,
// which must be zeroed. A stream that ends early leaves the rest of the
// canvas at index 0.
func unpackRLE(br io.ByteReader, canvas *raster.Image, nibble bool, log hclog.Logger) error {
	s := &rleState{br: br, canvas: canvas, nibble: nibble}
	err := s.run()
	if err == io.EOF {
		log.Warn("run-length data ends early", "x", s.x, "y", s.y)
		return nil
	}
	return err
}

func (s *rleState) run() error {
	w, h := s.canvas.Width, s.canvas.Height
	for {
		n, err := s.br.ReadByte()
		if err != nil {
			return err
		}
		v, err := s.br.ReadByte()
		if err != nil {
			return err
		}

		if n > 0 {
			if err := s.check(int(n)); err != nil {
				return err
			}
			row := s.canvas.Row(s.y)
			for k := 0; k < int(n); k++ {
				row[s.x] = s.pixel(v, k)
				s.x++
			}
			continue
		}

		switch v {
		case 0: // end of line
			s.x = 0
			s.y++
		case 1: // end of bitmap
			return nil
		case 2: // delta
			dx, err := s.br.ReadByte()
			if err != nil {
				return err
			}
			dy, err := s.br.ReadByte()
			if err != nil {
				return err
			}
			s.x += int(dx)
			s.y += int(dy)
			if s.x > w || s.y >= h {
				return codec.Malformedf("bmp: RLE delta to (%d,%d) outside %dx%d", s.x, s.y, w, h)
			}
		default:
			if err := s.literal(int(v)); err != nil {
				return err
			}
		}
	}
}

func (s *rleState) check(n int) error {
	if s.y >= s.canvas.Height || s.x+n > s.canvas.Width {
		return codec.Malformedf("bmp: RLE run of %d at (%d,%d) outside %dx%d",
			n, s.x, s.y, s.canvas.Width, s.canvas.Height)
	}
	return nil
}

// pixel returns the k-th pixel of a run whose value byte is v.
func (s *rleState) pixel(v byte, k int) byte {
	if !s.nibble {
		return v
	}
	if k%2 == 0 {
		return v >> 4
	}
	return v & 0x0f
}

// literal copies n raw pixels. The raw bytes are padded to an even count.
func (s *rleState) literal(n int) error {
	if err := s.check(n); err != nil {
		return err
	}
	size := n
	if s.nibble {
		size = (n + 1) / 2
	}
	row := s.canvas.Row(s.y)
	for i := 0; i < size; i++ {
		b, err := s.br.ReadByte()
		if err != nil {
			return err
		}
		if !s.nibble {
			row[s.x] = b
			s.x++
			continue
		}
		row[s.x] = b >> 4
		s.x++
		if 2*i+1 < n {
			row[s.x] = b & 0x0f
			s.x++
		}
	}
	if size%2 == 1 {
		if _, err := s.br.ReadByte(); err != nil {
			return err
		}
	}
	return nil
}
