package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects log level and output format.
type Options struct {
	Level string    // trace, debug, info, warn, error; default info
	JSON  bool      // machine-readable output instead of console
	Out   io.Writer // default os.Stdout
}

// NewLogger returns a zerolog logger configured for console output at info level.
func NewLogger() zerolog.Logger {
	logger, _ := New(Options{})
	return logger
}

// New returns a logger for opts. An unknown level is reported and info is used.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		// Extract just the filename, not the full path
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				short = file[i+1:]
				break
			}
		}
		// Pad to 28 characters for alignment
		return fmt.Sprintf("%-28s", fmt.Sprintf("%s:%d", short, line))
	}

	level := zerolog.InfoLevel
	var err error
	if s := strings.TrimSpace(opts.Level); s != "" {
		level, err = zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			level = zerolog.InfoLevel
			err = fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
	return logger, err
}
