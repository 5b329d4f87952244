package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogFileOptions controls rotation of the service log file.
type LogFileOptions struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// DefaultLogMaxSizeMB is the rotation size used when none is configured.
const DefaultLogMaxSizeMB = 20

func (o LogFileOptions) rotator() *lumberjack.Logger {
	size := o.MaxSizeMB
	if size <= 0 {
		size = DefaultLogMaxSizeMB
	}
	return &lumberjack.Logger{
		Filename:   o.Path,
		MaxSize:    size,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   o.Compress,
	}
}

// SetOutputFile sends the standard logger to a rotating file as well as
// stderr. The returned closer releases the file; an empty path is a no-op.
func SetOutputFile(opts LogFileOptions) io.Closer {
	if opts.Path == "" {
		return nopCloser{}
	}
	lj := opts.rotator()
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
