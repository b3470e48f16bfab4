package fwdproxy

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: console output on stdout plus, when
// configured, an append-only log file. The returned closer releases the file.
func NewLogger(cfg Config, debug bool) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	if debug {
		level = zerolog.DebugLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	var closer io.Closer = nopCloser{}
	if cfg.Logging.File != "" && cfg.Logging.File != "-" {
		if dir := filepath.Dir(cfg.Logging.File); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Logger{}, nil, err
			}
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		outputs = append(outputs, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(level).
		With().Timestamp().
		Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
