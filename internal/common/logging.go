package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var std = logrus.WithField("app", "forgex")

// Logf logs at info level on the process-wide logger.
func Logf(format string, args ...interface{}) {
	std.Infof(format, args...)
}

// Fatalf logs and exits.
func Fatalf(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}

// LogOptions configures NewLogger. An empty File logs to Stdout only.
type LogOptions struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Stdout     io.Writer
}

// NewLogger builds a logrus logger writing to stdout and, when File is set,
// a lumberjack rotated file. The returned closer releases the file.
func NewLogger(opts LogOptions) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()
	level := logrus.InfoLevel
	if opts.Level != "" {
		lv, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = lv
	}
	l.SetLevel(level)
	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	if opts.File == "" {
		l.SetOutput(out)
		return l, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxAge:     opts.MaxAgeDays,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
	}
	l.SetOutput(io.MultiWriter(out, rotator))
	return l, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
