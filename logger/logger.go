package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Wire protocol details (ATT PDUs, socket frames)
	DEBUG                 // Handshake steps, slot reads/writes
	INFO                  // State transitions, connections
	WARN                  // Warnings
	ERROR                 // Errors
)

const (
	EnvLogLevel   = "NEARBY_BLUE_LOG_LEVEL"
	EnvLogNoColor = "NEARBY_BLUE_LOG_NOCOLOR"
)

var (
	currentLevel LogLevel = DEBUG
	sink         zerolog.Logger
	mu           sync.RWMutex
)

func init() {
	// Gating happens in log(); the zerolog side passes everything through.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	sink = newSink(os.Stdout, false)
}

func newSink(w io.Writer, noColor bool) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: "15:04:05.000",
	}
	return zerolog.New(cw).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

// SetOutput redirects log output (tests capture into a buffer)
func SetOutput(w io.Writer, noColor bool) {
	mu.Lock()
	defer mu.Unlock()
	sink = newSink(w, noColor)
}

// ConfigureFromEnv applies NEARBY_BLUE_LOG_LEVEL and NEARBY_BLUE_LOG_NOCOLOR
func ConfigureFromEnv() {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		SetLevel(ParseLevel(raw))
	}
	if raw := strings.TrimSpace(os.Getenv(EnvLogNoColor)); raw != "" {
		if noColor, err := strconv.ParseBool(raw); err == nil {
			SetOutput(os.Stdout, noColor)
		}
	}
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// String returns the level name
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	mu.RLock()
	l := sink
	mu.RUnlock()

	ev := l.WithLevel(level.zerologLevel())
	if prefix != "" {
		ev = ev.Str("component", prefix)
	}
	ev.Msg(fmt.Sprintf(format, args...))
}

// Trace logs a trace message (wire protocol details)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (handshake steps)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
