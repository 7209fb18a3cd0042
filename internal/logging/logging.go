// Package logging builds the process-wide log sink. Every component gets a
// *log.Logger with its own prefix writing to the shared sink: stderr,
// optionally teed into a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/perchfs/perch/internal/config"
)

// Sink is the shared log destination.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// NewSink builds the destination from the log configuration. The returned
// sink must be closed when the process shuts down if file output is
// enabled.
func NewSink(cfg config.LogConfig) *Sink {
	if cfg.File == "" {
		return &Sink{w: os.Stderr}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return &Sink{w: io.MultiWriter(os.Stderr, rotator), closer: rotator}
}

// Discard returns a sink that drops everything. For tests.
func Discard() *Sink {
	return &Sink{w: io.Discard}
}

// Component returns a logger that prefixes each line with the component
// name.
func (s *Sink) Component(name string) *log.Logger {
	return log.New(s.w, "["+name+"] ", log.LstdFlags|log.Lmsgprefix)
}

// Close flushes and closes file output, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
