// File: internal/logging/logging.go
// Package logging builds the zap loggers used across wsengine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and outputs.
type Config struct {
	Level   string `mapstructure:"level"`  // debug|info|warn|error
	Format  string `mapstructure:"format"` // json|console
	Console bool   `mapstructure:"console"`
	Rotate  Rotate `mapstructure:"rotate"`
}

// Rotate configures a lumberjack file sink. An empty Filename disables it.
type Rotate struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig logs info and above as JSON to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Console: true}
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	log, _, err := newWithConsole(cfg, os.Stdout)
	return log, err
}

// NewLeveled is New plus the level handle, so the level can be changed at
// runtime, e.g. on config reload.
func NewLeveled(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	return newWithConsole(cfg, os.Stdout)
}

// ParseLevel parses debug|info|warn|error, case-insensitive. Empty is info.
func ParseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(orDefault(s, "info")))); err != nil {
		return level, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

func newWithConsole(cfg Config, console io.Writer) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	var writers []zapcore.WriteSyncer
	if cfg.Console {
		writers = append(writers, zapcore.AddSync(console))
	}
	if cfg.Rotate.Filename != "" {
		r := cfg.Rotate
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   r.Filename,
			MaxSize:    orDefaultInt(r.MaxSizeMB, 100),
			MaxBackups: orDefaultInt(r.MaxBackups, 10),
			MaxAge:     orDefaultInt(r.MaxAgeDays, 30),
			Compress:   r.Compress,
			LocalTime:  true,
		}))
	}
	if len(writers) == 0 {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: no output configured")
	}

	core := zapcore.NewCore(encoder(cfg.Format), zapcore.NewMultiWriteSyncer(writers...), level)
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)), level, nil
}

func encoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
