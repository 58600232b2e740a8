package codec

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"imstream/pkg/pixfmt"
)

// Native asks ReadFrame to keep the backend's own pixel format.
const Native = pixfmt.Format(0xff)

type state uint8

const (
	stateReady state = iota
	stateHeader
	stateBody
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateHeader:
		return "header"
	case stateBody:
		return "body"
	}
	return "closed"
}

// fault is the sticky error slot shared by Reader and Writer.
type fault struct {
	state state
	err   error
}

func (s *fault) fail(err error) error {
	if s.err == nil {
		s.err = Classify(err)
	}
	return s.err
}

// enter returns the sticky fault, or a bad-state fault when the session is
// not in one of the allowed states.
func (s *fault) enter(op string, allowed ...state) error {
	if s.err != nil {
		return s.err
	}
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return s.fail(fmt.Errorf("%w: %s in %s state", ErrBadState, op, s.state))
}

// finish merges the sticky fault with cleanup errors and closes the session.
func (s *fault) finish(cleanup ...error) error {
	errs := make([]error, 0, len(cleanup)+1)
	if s.err != nil {
		errs = append(errs, s.err)
	}
	for _, err := range cleanup {
		if err != nil {
			errs = append(errs, Classify(err))
		}
	}
	s.state = stateClosed
	switch len(errs) {
	case 0:
		return nil
	case 1:
		s.err = errs[0]
	default:
		s.err = multierror.Append(nil, errs...)
	}
	return s.err
}

// checkStride verifies that rows rows of rowBytes bytes spaced stride bytes
// apart fit in a buffer of size bytes.
func checkStride(size, rows, stride, rowBytes int) error {
	if rows == 0 {
		return nil
	}
	step := stride
	if step < 0 {
		step = -step
	}
	if rows > 1 && step < rowBytes {
		return fmt.Errorf("%w: stride %d shorter than row (%d bytes)", ErrBadParam, stride, rowBytes)
	}
	if need := (rows-1)*step + rowBytes; need > size {
		return fmt.Errorf("%w: buffer holds %d bytes, %d rows need %d", ErrBadParam, size, rows, need)
	}
	return nil
}

// rowOffset places row i of rows. A negative stride stores the first row
// in the last slot.
func rowOffset(i, rows, stride int) int {
	if stride < 0 {
		return (rows - 1 - i) * -stride
	}
	return i * stride
}
