package codec

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"imstream/pkg/pixfmt"
)

// Frame describes one image of a stream before its rows are exchanged.
type Frame struct {
	Width, Height int
	Format        pixfmt.Format
	// X and Y place the frame on a shared canvas (animated formats).
	X, Y int
	// PaletteSize is the number of palette entries, 0 when there is none.
	PaletteSize int
	// Delay is the display time in centiseconds; 0 outside GIF.
	Delay int
}

func (f Frame) validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: frame size %dx%d", ErrBadParam, f.Width, f.Height)
	}
	if !f.Format.Valid() {
		return fmt.Errorf("%w: format %d", ErrBadParam, f.Format)
	}
	return nil
}

// FrameDecoder is the read side of a backend. NextFrame returns io.EOF when
// the stream holds no more frames. ReadRow fills one row in the frame's
// native format, top row first.
type FrameDecoder interface {
	NextFrame() (Frame, *pixfmt.Palette, error)
	ReadRow(row []byte) error
	Close() error
}

// FrameEncoder is the write side of a backend.
//
// BeginFrame runs before anything about the frame is written and returns
// the format rows must arrive in. WriteHeader runs once per frame with the
// current palette (normalised to RGBA, may be nil) just before the first
// row. EndFrame runs after the last row and Close once per session.
type FrameEncoder interface {
	BeginFrame(f Frame) (pixfmt.Format, error)
	WriteHeader(f Frame, pal *pixfmt.Palette) error
	WriteRow(row []byte) error
	EndFrame() error
	Close() error
}

// Backend is a registered container format.
type Backend struct {
	Name       string
	Extensions []string
	// Match reports whether head (the first bytes of a stream) belongs to
	// this format.
	Match      func(head []byte) bool
	NewDecoder func(r io.Reader, o *Options) (FrameDecoder, error)
	NewEncoder func(w io.Writer, o *Options) (FrameEncoder, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// Register makes a backend available by name. It is meant to be called
// from the backend package's init; registering a name twice panics.
func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if b.Name == "" {
		panic("codec: Register with empty name")
	}
	if _, dup := backends[b.Name]; dup {
		panic("codec: Register called twice for " + b.Name)
	}
	backends[b.Name] = b
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	return b, ok
}

// Backends lists registered backend names in order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	return sortedNames()
}

// sniff returns the first registered backend whose Match accepts head.
func sniff(head []byte) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	for _, n := range sortedNames() {
		b := backends[n]
		if b.Match != nil && b.Match(head) {
			return b, true
		}
	}
	return Backend{}, false
}

func sortedNames() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var extensions = map[string]string{
	".bmp":  "bmp",
	".gif":  "gif",
	".png":  "png",
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".pcx":  "pcx",
	".tga":  "tga",
	".iff":  "iff",
	".lbm":  "iff",
}

// FormatByExtension maps a file name to a format name by extension only.
// It does not consult the registry: pcx, tga and iff are known formats
// without a backend.
func FormatByExtension(name string) (string, bool) {
	f, ok := extensions[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

func backendFor(format string) (Backend, error) {
	b, ok := Lookup(format)
	if !ok {
		return Backend{}, fmt.Errorf("%w: no backend for format %q", ErrUnsupported, format)
	}
	return b, nil
}
