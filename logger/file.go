package logger

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// File log defaults.
const (
	DefaultFileMaxSize    = 64 // MB
	DefaultFileMaxBackups = 8
)

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max-size"` // MB
	MaxBackups int    `yaml:"max-backups"`
	Compress   bool   `yaml:"compress"`
	Level      string `yaml:"level"` // debug, info, warn or error
}

// NewFile returns a JSON slog.Logger writing to a file that rotates once it
// reaches MaxSize.
func NewFile(c FileConfig) *slog.Logger {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultFileMaxSize
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = DefaultFileMaxBackups
	}
	w := &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
