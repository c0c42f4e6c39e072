package obs

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// LogOptions controls how NewLogger builds the service logger.
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger, _ = NewLogger(LogOptions{Level: "info"})
	}
	return logger
}

// SetLogger replaces the shared logger and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) func() {
	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// NewLogger builds a JSON logger writing to stdout or, when File is set, to a rotating file.
func NewLogger(opts LogOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	var sink zapcore.WriteSyncer
	if opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(EncoderConfig()), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// EncoderConfig is the JSON layout shared by every log line.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
