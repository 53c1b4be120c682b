// Package obslog is the one structured logging sink every package in
// this module writes through. It wraps zap so severity filtering,
// encoding and output sinks stay centralized instead of each package
// reaching for log.Printf on its own.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin façade over *zap.Logger that adds the two severity
// levels zap doesn't have natively (notice, trace) by tagging the
// nearest real zap level with a level field. A Logger returned by With
// carries a "component" tag so log lines can be filtered by subsystem;
// one built by New or Nop has no such tag.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger writing to stderr at the given minimum level.
// level accepts the zapcore level names ("debug", "info", "warn",
// "error") plus the module's own "trace" and "notice" aliases.
func New(level string) *Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "trace", "debug":
		lvl = zapcore.DebugLevel
	case "warning", "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), lvl)
	return &Logger{z: zap.New(core)}
}

// Nop returns a Logger that discards everything, for tests and for
// callers that don't care about diagnostics.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// With returns a Logger tagged with the given component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With(zap.String("component", component))}
}

func (l *Logger) Error(msg string, fields ...zap.Field)   { l.z.Error(msg, fields...) }
func (l *Logger) Warning(msg string, fields ...zap.Field) { l.z.Warn(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)    { l.z.Info(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field)   { l.z.Debug(msg, fields...) }

// Notice sits between Info and Warning in avrdude's own vocabulary
// (pmsg_notice): conditions worth a user's attention that aren't
// warnings. zap has no such level, so it's an Info line tagged
// level=notice.
func (l *Logger) Notice(msg string, fields ...zap.Field) {
	l.z.Info(msg, append(fields, zap.String("level", "notice"))...)
}

// Trace is Debug tagged level=trace, for the byte-level frame dumps
// the PICkit engine emits.
func (l *Logger) Trace(msg string, fields ...zap.Field) {
	l.z.Debug(msg, append(fields, zap.String("level", "trace"))...)
}

// Sync flushes the underlying zap core.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
