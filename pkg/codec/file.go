package codec

import (
	"fmt"

	"imstream/pkg/source"
)

// formatOf resolves a file name (compression suffix included) to a
// registered backend.
func formatOf(name string) (Backend, error) {
	format, ok := FormatByExtension(source.FormatName(name))
	if !ok {
		return Backend{}, fmt.Errorf("%w: unknown extension in %q", ErrUnsupported, name)
	}
	return backendFor(format)
}

// OpenFile opens name and decodes it according to its extension. The file
// is owned by the Reader and closed by Finish.
func OpenFile(name string, o *Options) (*Reader, error) {
	b, err := formatOf(name)
	if err != nil {
		return nil, err
	}
	f, err := source.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	r, err := newReader(b, f, o)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.owned = f
	return r, nil
}

// CreateFile creates name and encodes to it according to its extension.
// The file is owned by the Writer and closed by Finish.
func CreateFile(name string, o *Options) (*Writer, error) {
	b, err := formatOf(name)
	if err != nil {
		return nil, err
	}
	f, err := source.Create(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	w, err := NewWriter(f, b.Name, o)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.owned = f
	return w, nil
}
