package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"imstream/pkg/codec"
	_ "imstream/pkg/codec/bmp"
	_ "imstream/pkg/codec/gif"
	_ "imstream/pkg/codec/jpeg"
	_ "imstream/pkg/codec/png"
	"imstream/pkg/pixfmt"
)

// chunkRows is how many rows move between reader and writer per call.
const chunkRows = 16

const usage = `Convert: imstream <input> <output> [key=value ...]
Inspect: imstream info <input> [key=value ...]
Keys: coalesce=true|false quality=1..100 delay=cs level=0..9 log=trace|debug|info|warn|error
Inputs and outputs may carry a .gz, .xz or .zst suffix (.bz2 is read only).
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "Formats:", strings.Join(codec.Backends(), " "))
		os.Exit(1)
	}

	if os.Args[1] == "info" {
		o, err := parseOptions(os.Args[3:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		o.NewLogger("imstream")
		if err := info(os.Args[2], os.Stdout, o); err != nil {
			fmt.Fprintln(os.Stderr, "info error:", err)
			os.Exit(1)
		}
		return
	}

	inputPath, outputPath := os.Args[1], os.Args[2]
	o, err := parseOptions(os.Args[3:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := o.NewLogger("imstream")

	frames, err := convert(inputPath, outputPath, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "convert error:", err)
		os.Exit(1)
	}
	log.Debug("done", "frames", frames)
	fmt.Printf("Converted %s → %s (%d frame(s))\n", inputPath, outputPath, frames)
}

// parseOptions turns key=value arguments into Options.
func parseOptions(args []string) (*codec.Options, error) {
	raw := make(map[string]interface{}, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: argument %q is not key=value", codec.ErrBadParam, a)
		}
		raw[strings.ToLower(k)] = v
	}
	return codec.DecodeOptions(raw)
}

// convert streams every frame the output container can hold from inPath
// to outPath and returns how many were written. A failed conversion
// removes the partial output.
func convert(inPath, outPath string, o *codec.Options) (int, error) {
	r, err := codec.OpenFile(inPath, o)
	if err != nil {
		return 0, err
	}
	w, err := codec.CreateFile(outPath, o)
	if err != nil {
		r.Finish()
		return 0, err
	}

	frames, copyErr := copyFrames(r, w, o.Logger)
	// A failed call leaves its fault on the session, so Finish reports it.
	err = multierror.Append(nil, w.Finish(), r.Finish()).ErrorOrNil()
	if err == nil {
		err = copyErr
	}
	if err != nil {
		os.Remove(outPath)
		if merr, ok := err.(*multierror.Error); ok && len(merr.Errors) == 1 {
			err = merr.Errors[0]
		}
		return 0, err
	}
	return frames, nil
}

// copyFrames moves frames in the reader's native format and lets the
// writer negotiate conversions. Only animated outputs take more than one.
func copyFrames(r *codec.Reader, w *codec.Writer, log hclog.Logger) (int, error) {
	animated := w.Format() == "gif"
	var buf []byte
	for {
		f, err := r.NextFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			return w.Frames(), err
		}
		if w.Frames() > 0 && !animated {
			log.Info("output holds a single frame, dropping the rest", "format", w.Format())
			break
		}

		out := codec.Frame{
			Width: f.Width, Height: f.Height,
			Format: f.Format,
			X:      f.X, Y: f.Y,
			Delay: f.Delay,
		}
		if err := w.BeginFrame(out); err != nil {
			return w.Frames(), err
		}
		if f.PaletteSize > 0 {
			pal, err := r.ReadPalette(pixfmt.RGBA)
			if err != nil {
				return w.Frames(), err
			}
			if err := w.SetPalette(pixfmt.RGBA, pal, f.PaletteSize); err != nil {
				return w.Frames(), err
			}
		}

		rowBytes := f.Format.RowBytes(f.Width)
		if need := rowBytes * chunkRows; cap(buf) < need {
			buf = make([]byte, need)
		}
		for y := 0; y < f.Height; y += chunkRows {
			n := chunkRows
			if left := f.Height - y; left < n {
				n = left
			}
			if err := r.ReadRows(buf, n, rowBytes); err != nil {
				return w.Frames(), err
			}
			if err := w.WriteRows(buf, n, rowBytes); err != nil {
				return w.Frames(), err
			}
		}
		log.Trace("frame copied", "index", w.Frames()-1, "width", f.Width, "height", f.Height)
	}
	return w.Frames(), nil
}

// info prints the frame layout of a file, reading every frame through.
func info(path string, out io.Writer, o *codec.Options) error {
	r, err := codec.OpenFile(path, o)
	if err != nil {
		return err
	}
	var buf []byte
	for {
		f, err := r.NextFrame()
		if err != nil {
			break
		}
		fmt.Fprintf(out, "%s frame %d: %dx%d %s at (%d,%d) colors=%d delay=%dcs\n",
			r.Format(), r.Frames(), f.Width, f.Height, f.Format, f.X, f.Y, f.PaletteSize, f.Delay)
		rowBytes := f.Format.RowBytes(f.Width)
		if cap(buf) < rowBytes {
			buf = make([]byte, rowBytes)
		}
		for y := 0; y < f.Height; y++ {
			if err := r.ReadRows(buf, 1, rowBytes); err != nil {
				break
			}
		}
	}
	return r.Finish()
}
