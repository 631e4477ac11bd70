// Package logger provides the process-wide structured logger for the broker.
//
// The default output is JSON; set LINK_UNSTRUCTURED_LOGS=true for plain text
// during local development. Callers that prefer injection over the package
// helpers can obtain the underlying *slog.Logger via Get.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[slog.Logger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(false, slog.LevelInfo))
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return get()
}

// Set replaces the singleton logger. Intended for tests that need to capture
// log output; production code should use Initialize.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Initialize configures the singleton from the environment.
func Initialize() {
	level := slog.LevelInfo
	if debug, _ := strconv.ParseBool(os.Getenv("LINK_DEBUG")); debug {
		level = slog.LevelDebug
	}
	unstructured, err := strconv.ParseBool(os.Getenv("LINK_UNSTRUCTURED_LOGS"))
	if err != nil {
		unstructured = false
	}
	singleton.Store(newLogger(unstructured, level))
}

func newLogger(unstructured bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if unstructured {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a formatted message at debug level using the singleton logger.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Info logs a message at info level using the singleton logger.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level using the singleton logger.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a formatted message at warning level using the singleton logger.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Error logs a message at error level using the singleton logger.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

// Fatalf logs a formatted message at error level and exits the program.
func Fatalf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
