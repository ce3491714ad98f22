package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base *zap.Logger
	s    *zap.SugaredLogger
)

// default info level
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	config := zap.Config{
		Level:             level,
		Development:       true,
		DisableStacktrace: true,
		Encoding:          "console",
		EncoderConfig:     zap.NewDevelopmentEncoderConfig(),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}

	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Errorf("failed to initialize logger: %v", err))
	}
	base = logger
	s = logger.Sugar()
}

func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// SetDebug switches between debug and info level.
func SetDebug(debug bool) {
	if debug {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

func S() *zap.SugaredLogger {
	return s
}

// Named returns a sugared logger tagged with the given component name (i.e.
// "publisher", "poller").
func Named(name string) *zap.SugaredLogger {
	return base.Named(name).Sugar()
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = base.Sync()
}
