// Package source opens and creates the byte streams the codec engines read
// from and write to. Compressed files (gzip, bzip2, xz, zstd) are unwrapped
// transparently so an image.bmp.gz decodes like image.bmp.
package source

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	filetype "gopkg.in/h2non/filetype.v1"
	"gopkg.in/h2non/filetype.v1/matchers"
)

// headLen is the number of leading bytes inspected for a compression magic.
const headLen = 262

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var ErrCompression = errors.New("source: unsupported compression")

// Compression names a transparent wrapper around the image stream.
type Compression string

const (
	None  Compression = ""
	Gzip  Compression = "gz"
	Bzip2 Compression = "bz2"
	Xz    Compression = "xz"
	Zstd  Compression = "zst"
)

var suffixes = map[string]Compression{
	".gz":  Gzip,
	".bz2": Bzip2,
	".xz":  Xz,
	".zst": Zstd,
}

// FormatName strips a compression suffix from name, so that
// "a.gif.zst" reports ".gif" as its extension.
func FormatName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := suffixes[ext]; ok {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// Detect classifies the first bytes of a stream.
func Detect(head []byte) Compression {
	if bytes.HasPrefix(head, zstdMagic) {
		return Zstd
	}
	t, _ := filetype.Match(head)
	switch t {
	case matchers.TypeGz:
		return Gzip
	case matchers.TypeBz2:
		return Bzip2
	case matchers.TypeXz:
		return Xz
	}
	return None
}

// Open opens name for reading. An uncompressed file is returned as the
// *os.File itself so callers can seek; a compressed one is returned as a
// forward-only stream that closes the file along with the decompressor.
func Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	head := make([]byte, headLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var rc io.ReadCloser
	switch Detect(head[:n]) {
	case Gzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		rc = &multiCloser{Reader: zr, c: []io.Closer{zr, f}}
	case Bzip2:
		rc = &multiCloser{Reader: bzip2.NewReader(f), c: []io.Closer{f}}
	case Xz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("xz: %w", err)
		}
		rc = &multiCloser{Reader: xr, c: []io.Closer{f}}
	case Zstd:
		zr, err := newZstdDecoder(f)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		rc = &multiCloser{Reader: zr, c: []io.Closer{zr, f}}
	default:
		rc = f
	}

	//transfer ownership
	f = nil
	return rc, nil
}

// Create creates name for writing, compressing the output when the name
// ends in .gz, .zst or .xz.
func Create(name string) (io.WriteCloser, error) {
	comp := suffixes[strings.ToLower(filepath.Ext(name))]
	if comp == Bzip2 {
		return nil, fmt.Errorf("%w: bzip2 output", ErrCompression)
	}

	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}

	var w io.WriteCloser
	switch comp {
	case Gzip:
		w = gzip.NewWriter(f)
	case Xz:
		xw, err := xz.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("xz: %w", err)
		}
		w = xw
	case Zstd:
		zw, err := newZstdEncoder(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd encode: %w", err)
		}
		w = zw
	default:
		return f, nil
	}
	return &chainWriter{WriteCloser: w, f: f}, nil
}

func newZstdEncoder(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(
		w,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithLowerEncoderMem(true),
	)
}

func newZstdDecoder(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(
		r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type multiCloser struct {
	io.Reader
	c []io.Closer
}

func (m *multiCloser) Close() error {
	var result error
	for _, c := range m.c {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// chainWriter flushes the compressor before closing the file under it.
type chainWriter struct {
	io.WriteCloser
	f *os.File
}

func (c *chainWriter) Close() error {
	var result error
	if err := c.WriteCloser.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.f.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
