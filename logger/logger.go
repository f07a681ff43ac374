// Package logger provides the leveled console logger used throughout xpertd.
// It wraps log/slog with a tint handler for colorized, timestamped output,
// matching the call-site surface the rest of the codebase expects:
// Info/Infof/Warning/Warningf/Error/Errorf/Debug/Debugf.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lmittmann/tint"
)

var (
	mu    sync.RWMutex
	base  *slog.Logger
	level = new(slog.LevelVar)
)

func init() {
	level.Set(slog.LevelInfo)
	base = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// SetLevel adjusts the minimum level emitted by the logger at runtime.
func SetLevel(l string) {
	mu.Lock()
	defer mu.Unlock()
	switch l {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warning", "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}

func Debug(args ...interface{}) {
	logger().Debug(sprint(args...))
}

func Debugf(format string, args ...interface{}) {
	logger().Debug(fmt.Sprintf(format, args...))
}

func Info(args ...interface{}) {
	logger().Info(sprint(args...))
}

func Infof(format string, args ...interface{}) {
	logger().Info(fmt.Sprintf(format, args...))
}

func Warning(args ...interface{}) {
	logger().Warn(sprint(args...))
}

func Warningf(format string, args ...interface{}) {
	logger().Warn(fmt.Sprintf(format, args...))
}

func Error(args ...interface{}) {
	logger().Error(sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	logger().Error(fmt.Sprintf(format, args...))
}
