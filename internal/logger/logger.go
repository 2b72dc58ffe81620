package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options configures the process-wide logger.
type Options struct {
	File       string
	MaxSizeMB  int64
	MaxBackups int
	Level      string
	JSON       bool
}

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	return l
}

// Setup routes log output to stdout and, when opts.File is set, to a
// size-rotated file. A file that cannot be opened degrades to stdout only.
func Setup(opts Options) {
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(opts.Level)); err == nil {
		base.SetLevel(lvl)
	}
	if opts.JSON {
		base.SetFormatter(&logrus.JSONFormatter{})
	}
	if strings.TrimSpace(opts.File) == "" {
		return
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	rotator := &Rotator{
		Filename:   opts.File,
		MaxSize:    maxSize * 1024 * 1024,
		MaxBackups: opts.MaxBackups,
	}
	if err := rotator.openExistingOrNew(); err != nil {
		base.Warnf("failed to open log file %s, using stdout only: %v", opts.File, err)
		return
	}
	base.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

// SetOutput replaces the sink; tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// WithAgent scopes subsequent entries to one agent instance.
func WithAgent(agentID string) *logrus.Entry {
	return base.WithField("agent", agentID)
}

func Debugf(format string, args ...any) { base.Debugf(format, args...) }
func Infof(format string, args ...any)  { base.Infof(format, args...) }
func Warnf(format string, args ...any)  { base.Warnf(format, args...) }
func Errorf(format string, args ...any) { base.Errorf(format, args...) }

// Redact keeps only the last four characters of a secret.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 4 {
		return "***"
	}
	return "***" + secret[len(secret)-4:]
}
