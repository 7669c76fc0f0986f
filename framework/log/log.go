// Package log provides the structured logger used across mailcore.
//
// It follows the same thin-wrapper shape the teacher codebase uses
// (framework/log.Logger, a struct carrying a component Name and a Debug
// flag) but backs it directly with zap instead of a hand-rolled writer,
// since zap is already part of the dependency graph this module inherited.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	baseMu   sync.RWMutex
	base     *zap.Logger
	baseInit sync.Once
)

func ensureBase() *zap.Logger {
	baseInit.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel) // Logger.Debug gates debug output
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		baseMu.Lock()
		if base == nil { // keep a core installed earlier by SetBase
			base = l
		}
		baseMu.Unlock()
	})
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// SetBase replaces the process-wide zap core, e.g. to switch to a
// development encoder or redirect output during tests.
func SetBase(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

// Logger is a named, optionally-debug logging handle for one subsystem.
type Logger struct {
	Name  string
	Debug bool
}

// DefaultLogger is the logger used by packages that have not been handed
// a dedicated instance (mirrors the teacher's global convenience logger).
var DefaultLogger = Logger{Name: "mailcore"}

func (l Logger) zapWith(fields ...interface{}) *zap.Logger {
	z := ensureBase().With(zap.String("component", l.Name))
	if len(fields) == 0 {
		return z
	}
	return z.Sugar().With(fields...).Desugar()
}

// Msg logs an informational message with structured key/value fields.
func (l Logger) Msg(msg string, kv ...interface{}) {
	l.zapWith(kv...).Info(msg)
}

// Debugf logs a debug message only when the logger's Debug flag is set.
func (l Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	l.zapWith().Debug(fmt.Sprintf(format, args...))
}

// DebugMsg logs a structured debug message only when Debug is enabled.
func (l Logger) DebugMsg(msg string, kv ...interface{}) {
	if !l.Debug {
		return
	}
	l.zapWith(kv...).Debug(msg)
}

// Debugln logs a debug line only when Debug is enabled.
func (l Logger) Debugln(args ...interface{}) {
	if !l.Debug {
		return
	}
	l.zapWith().Debug(fmt.Sprintln(args...))
}

// Error logs an error with its cause and structured fields.
func (l Logger) Error(msg string, err error, kv ...interface{}) {
	fields := append([]interface{}{"error", err}, kv...)
	l.zapWith(fields...).Error(msg)
}

// Printf logs a free-form message (no leveling) for CLI-style output.
func (l Logger) Printf(format string, args ...interface{}) {
	l.zapWith().Info(fmt.Sprintf(format, args...))
}

// Println logs a free-form line.
func (l Logger) Println(args ...interface{}) {
	l.zapWith().Info(fmt.Sprintln(args...))
}
