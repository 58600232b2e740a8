package codec

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
)

// Options tune both engines. The zero value is not useful; start from
// DefaultOptions or DecodeOptions.
type Options struct {
	// Coalesce composites animated frames onto a full canvas (GIF read).
	Coalesce bool `mapstructure:"coalesce"`
	// Quality is the JPEG encoder quality, 1..100.
	Quality int `mapstructure:"quality"`
	// Delay is the per-frame delay in centiseconds written to GIF frames
	// that do not declare their own.
	Delay int `mapstructure:"delay"`
	// Level is the zlib compression level for PNG output, 0..9.
	Level int `mapstructure:"level"`
	// LogLevel names an hclog level; it is only consulted by NewLogger.
	LogLevel string `mapstructure:"log"`

	Logger hclog.Logger `mapstructure:"-"`
}

func DefaultOptions() *Options {
	return &Options{
		Coalesce: true,
		Quality:  75,
		Delay:    10,
		Level:    6,
		LogLevel: "warn",
		Logger:   hclog.NewNullLogger(),
	}
}

// DecodeOptions overlays raw key/value settings (as parsed from a command
// line) on the defaults. Unknown keys and values out of range are bad
// parameters.
func DecodeOptions(raw map[string]interface{}) (*Options, error) {
	o := DefaultOptions()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           o,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParam, err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadParam, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Options) validate() error {
	switch {
	case o.Quality < 1 || o.Quality > 100:
		return fmt.Errorf("%w: quality %d outside 1..100", ErrBadParam, o.Quality)
	case o.Level < 0 || o.Level > 9:
		return fmt.Errorf("%w: level %d outside 0..9", ErrBadParam, o.Level)
	case o.Delay < 0 || o.Delay > 0xffff:
		return fmt.Errorf("%w: delay %d outside 0..65535", ErrBadParam, o.Delay)
	case hclog.LevelFromString(o.LogLevel) == hclog.NoLevel:
		return fmt.Errorf("%w: unknown log level %q", ErrBadParam, o.LogLevel)
	}
	return nil
}

// NewLogger builds a named logger at LogLevel writing to the hclog default
// output (stderr) and installs it as o.Logger.
func (o *Options) NewLogger(name string) hclog.Logger {
	o.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(strings.ToLower(o.LogLevel)),
	})
	return o.Logger
}

// orDefault never returns nil and never returns an Options with a nil logger.
func orDefault(o *Options) *Options {
	if o == nil {
		return DefaultOptions()
	}
	if o.Logger == nil {
		c := *o
		c.Logger = hclog.NewNullLogger()
		return &c
	}
	return o
}
