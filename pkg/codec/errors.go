package codec

import (
	"errors"
	"fmt"
	"io"

	"imstream/pkg/raster"
)

// Fault taxonomy. Every error returned by a Reader or Writer wraps exactly
// one of these, so callers test with errors.Is.
var (
	ErrNoMemory        = errors.New("out of memory")
	ErrBadParam        = errors.New("bad parameter")
	ErrOpen            = errors.New("could not open stream")
	ErrMalformed       = errors.New("malformed data")
	ErrUnsupported     = errors.New("unsupported feature")
	ErrNoConversion    = errors.New("no pixel format conversion available")
	ErrNoPalette       = errors.New("no palette")
	ErrBadState        = errors.New("call out of sequence")
	ErrTooManyRows     = errors.New("too many rows")
	ErrUnfinishedFrame = errors.New("unfinished frame")
	ErrCodec           = errors.New("external codec error")
	ErrIO              = errors.New("i/o error")
)

var taxonomy = []error{
	ErrNoMemory, ErrBadParam, ErrOpen, ErrMalformed, ErrUnsupported,
	ErrNoConversion, ErrNoPalette, ErrBadState, ErrTooManyRows,
	ErrUnfinishedFrame, ErrCodec, ErrIO,
}

// Kind returns the taxonomy sentinel err wraps, or nil.
func Kind(err error) error {
	for _, k := range taxonomy {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Classify maps an arbitrary backend error into the taxonomy. Errors that
// already carry a sentinel pass through; a short read becomes malformed
// data; an oversized raster becomes out of memory; anything else is an
// i/o failure of the underlying stream.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case Kind(err) != nil:
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated: %v", ErrMalformed, err)
	case errors.Is(err, raster.ErrTooLarge):
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	case errors.Is(err, raster.ErrDimensions):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

// Malformedf and Unsupportedf are the two faults backends raise most often.
func Malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func Unsupportedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
