// Package logging builds the process's structured logger: a console
// encoder on stderr plus an optional rotating file sink, grounded in the
// same zap + lumberjack tee the rest of the example pack uses for daemon
// logging.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where logs go and how verbose they start out.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // "" disables file logging
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func levelFromString(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger and the AtomicLevel backing it, so the `verbosity`
// command can raise or lower log output at runtime (internal/server's
// VerbosityLevel wraps this same AtomicLevel). The second return value is
// a closer that flushes and, if file logging is enabled, closes the
// rotating log file.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, func(), error) {
	atomicLevel := zap.NewAtomicLevelAt(levelFromString(cfg.Level))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), atomicLevel),
	}

	var rotator *lumberjack.Logger
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
			return nil, atomicLevel, func() {}, err
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), atomicLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closer := func() {
		_ = logger.Sync()
		if rotator != nil {
			_ = rotator.Close()
		}
	}
	return logger, atomicLevel, closer, nil
}
