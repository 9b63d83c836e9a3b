// Package utils holds the relay's leveled console logger and small
// shared helpers. Request history lives in the SQLite proxy log, so the
// logger only writes to stdout.
package utils

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorGray    = "\033[90m"
)

type level struct {
	tag   string
	color string
}

var (
	levelInfo    = level{"INFO", colorBlue}
	levelSuccess = level{"SUCCESS", colorGreen}
	levelWarn    = level{"WARN", colorYellow}
	levelError   = level{"ERROR", colorRed}
	levelDebug   = level{"DEBUG", colorMagenta}
)

var debugEnabled atomic.Bool

func init() {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug", "trace":
		debugEnabled.Store(true)
	}
}

// SetDebug toggles debug output at runtime. The --debug flag and the
// LOG_LEVEL environment variable both land here.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// IsDebug reports whether debug output is on.
func IsDebug() bool {
	return debugEnabled.Load()
}

func emit(lv level, message string, args ...interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	fmt.Fprintf(os.Stdout, "%s[%s]%s %s[%s]%s %s\n",
		colorGray, ts, colorReset,
		lv.color, lv.tag, colorReset,
		fmt.Sprintf(message, args...))
}

// Info logs an informational message.
func Info(message string, args ...interface{}) {
	emit(levelInfo, message, args...)
}

// Success logs a completed-milestone message.
func Success(message string, args ...interface{}) {
	emit(levelSuccess, message, args...)
}

// Warn logs a recoverable problem.
func Warn(message string, args ...interface{}) {
	emit(levelWarn, message, args...)
}

// Error logs a failure.
func Error(message string, args ...interface{}) {
	emit(levelError, message, args...)
}

// Debug logs a message only when debug output is on.
func Debug(message string, args ...interface{}) {
	if debugEnabled.Load() {
		emit(levelDebug, message, args...)
	}
}
