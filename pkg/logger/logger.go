package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Format string // "pretty" or "json"
	File   string
}

// New builds a logger writing to the console and, when File is set, to a
// JSON lines file. The returned close function releases the file.
func New(opts Options) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var console io.Writer = os.Stdout
	if opts.Format != "json" {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	closer := func() error { return nil }
	out := console
	if opts.File != "" {
		logFile, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		out = zerolog.MultiLevelWriter(console, logFile)
		closer = logFile.Close
	}

	l := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, closer, nil
}
