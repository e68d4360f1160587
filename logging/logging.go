// Package logging builds the zap logger shared by every db-to-sheets component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing to stderr. format is either "console" or "json" and debug forces
// the level to DEBUG regardless of level.
func New(level, format string, debug bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level (%w)", err)
	}

	if debug {
		lvl = zapcore.DebugLevel
	}

	encoding := strings.ToLower(strings.TrimSpace(format))
	switch encoding {
	case "", "console", "text":
		encoding = "console"

	case "json":

	default:
		return nil, fmt.Errorf("invalid log format '%v' - expected 'console' or 'json'", format)
	}

	encoder := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if encoding == "json" {
		encoder.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Development:       debug,
		DisableCaller:     !debug,
		DisableStacktrace: !debug,
		Encoding:          encoding,
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger (%w)", err)
	}

	return logger, nil
}
