package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Log is the logger shared by every package. It defaults to console output until SetLogger is called.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger configures Log to write to the console and, if logFile is not empty, to a json log file.
// The returned closer must be called once the run is over.
func SetLogger(logFile string, debug bool) io.Closer {
	level := zerolog.InfoLevel
	if debug || os.Getenv("GENTOO_INPLACE_DEBUG") != "" {
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		_ = os.MkdirAll(filepath.Dir(logFile), os.ModeDir|0o700)
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err == nil {
			writers = append(writers, f)
			closer = f
		}
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(level)
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
