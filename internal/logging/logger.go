package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// entry is the serialized form of a single log line
type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger is a structured logger. Variadic args on the level methods are
// interpreted as key-value pairs when they come in string-keyed pairs,
// otherwise as printf arguments.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	level     Level
	component string
	fields    map[string]any
	json      bool
}

// Config holds logger configuration
type Config struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "stdout", "stderr", or file path
	Component  string `json:"component"`
	JSONFormat bool   `json:"json_format"`
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// New creates a logger from the given configuration
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	return &Logger{
		output:    output,
		level:     ParseLevel(cfg.Level),
		component: cfg.Component,
		json:      cfg.JSONFormat,
		fields:    make(map[string]any),
	}
}

// Default returns the process-wide default logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(&Config{Level: "INFO", Component: "app", JSONFormat: true})
	})
	return defaultLogger
}

// SetDefault replaces the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// WithComponent returns a copy of the logger tagged with component
func (l *Logger) WithComponent(component string) *Logger {
	nl := l.clone()
	nl.component = component
	return nl
}

// WithField returns a copy of the logger carrying an extra field
func (l *Logger) WithField(key string, value any) *Logger {
	nl := l.clone()
	nl.fields[key] = value
	return nl
}

// WithError returns a copy of the logger carrying an error field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		output:    l.output,
		level:     l.level,
		component: l.component,
		fields:    fields,
		json:      l.json,
	}
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}

	if len(l.fields) > 0 {
		e.Fields = make(map[string]any, len(l.fields)+len(args)/2)
		for k, v := range l.fields {
			e.Fields[k] = v
		}
	}

	if len(args) > 0 {
		if kvArgs(args) {
			if e.Fields == nil {
				e.Fields = make(map[string]any, len(args)/2)
			}
			for i := 0; i < len(args); i += 2 {
				key := args[i].(string)
				if err, ok := args[i+1].(error); ok && err != nil {
					e.Fields[key] = err.Error()
				} else {
					e.Fields[key] = args[i+1]
				}
			}
		} else {
			e.Message = fmt.Sprintf(msg, args...)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.json {
		data, _ := json.Marshal(e)
		fmt.Fprintln(l.output, string(data))
		return
	}
	l.writeText(e)
}

// kvArgs reports whether args form string-keyed pairs
func kvArgs(args []any) bool {
	if len(args) < 2 || len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) writeText(e entry) {
	var b strings.Builder
	b.WriteString(e.Timestamp[:19])
	b.WriteString(fmt.Sprintf(" [%-5s] ", e.Level))
	if e.Component != "" {
		b.WriteString("[" + e.Component + "] ")
	}
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		b.WriteString(" |")
		for k, v := range e.Fields {
			b.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
	}
	fmt.Fprintln(l.output, b.String())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) { l.log(DEBUG, msg, args...) }

// Info logs an info message
func (l *Logger) Info(msg string, args ...any) { l.log(INFO, msg, args...) }

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) { l.log(WARN, msg, args...) }

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) { l.log(ERROR, msg, args...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, args ...any) {
	l.log(FATAL, msg, args...)
	os.Exit(1)
}

// Package-level helpers on the default logger

// Debug logs a debug message using the default logger
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs an info message using the default logger
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs a warning message using the default logger
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs an error message using the default logger
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// WithComponent returns a default-logger copy tagged with component
func WithComponent(component string) *Logger { return Default().WithComponent(component) }

// WithField returns a default-logger copy carrying an extra field
func WithField(key string, value any) *Logger { return Default().WithField(key, value) }

// WithError returns a default-logger copy carrying an error field
func WithError(err error) *Logger { return Default().WithError(err) }
