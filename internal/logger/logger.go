// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Config selects level, format and an optional rotated log file.
type Config struct {
	Level  string
	Format string
	// File, when set, receives a copy of every entry with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30}
}

var root = logrus.StandardLogger()

// Init applies cfg to the standard logger. Unknown levels fall back to info.
func Init(cfg Config) error {
	l, err := New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	root.SetLevel(l.Level)
	root.SetFormatter(l.Formatter)
	root.SetOutput(l.Out)
	return nil
}

// New builds a standalone logger writing to out and, if configured, a file.
func New(cfg Config, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}

	writers := []io.Writer{out}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		def := DefaultConfig()
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, def.MaxSizeMB),
			MaxBackups: orDefault(cfg.MaxBackups, def.MaxBackups),
			MaxAge:     orDefault(cfg.MaxAgeDays, def.MaxAgeDays),
			Compress:   true,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))
	return l, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// WithModule returns an entry tagged with the module name.
func WithModule(name string) *logrus.Entry {
	return root.WithField("module", name)
}
