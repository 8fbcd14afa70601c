// Package logger builds the zap logger shared by every GoChat component.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats.
const (
	ConsoleFormat = "console"
	JSONFormat    = "json"
)

// Config selects level, encoding and outputs.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // optional rotated log file

	MaxSizeMB  int // rotate after this many megabytes
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig logs info and above to stdout in console format.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     ConsoleFormat,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
	}
}

// New builds a logger from cfg. Stdout is always written; File adds a
// lumberjack-rotated JSON or console copy.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	encoder, err := buildEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if cfg.File != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func buildEncoder(format string) (zapcore.Encoder, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", ConsoleFormat:
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg), nil
	case JSONFormat:
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(encCfg), nil
	default:
		return nil, fmt.Errorf("logger: unknown format %q (use console or json)", format)
	}
}
