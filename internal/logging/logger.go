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
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// LogEntry is one structured log line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger is a leveled structured logger. Child loggers share the output
// writer and carry accumulated fields.
type Logger struct {
	mu         sync.Mutex
	output     io.Writer
	level      Level
	component  string
	fields     map[string]interface{}
	jsonFormat bool
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

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	return &Logger{
		output:     output,
		level:      ParseLevel(cfg.Level),
		component:  cfg.Component,
		jsonFormat: cfg.JSONFormat,
		fields:     make(map[string]interface{}),
	}
}

// Default returns the default logger instance
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(&Config{Level: "INFO", Output: "stdout", Component: "app", JSONFormat: true})
	})
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// WithComponent returns a new logger with the specified component
func (l *Logger) WithComponent(component string) *Logger {
	nl := l.clone()
	nl.component = component
	return nl
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	nl := l.clone()
	nl.fields[key] = value
	return nl
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	nl := l.clone()
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

// WithError returns a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	nl := l.clone()
	nl.fields["error"] = err.Error()
	return nl
}

// WithSymbol returns a new logger carrying a symbol field.
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.WithField("symbol", symbol)
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		output:     l.output,
		level:      l.level,
		component:  l.component,
		fields:     fields,
		jsonFormat: l.jsonFormat,
	}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
	}

	if len(l.fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(l.fields)+len(args)/2)
		for k, v := range l.fields {
			entry.Fields[k] = v
		}
	}

	// Even-length args starting with a string are structured key-value
	// pairs; anything else is printf-style.
	if len(args) > 0 {
		if len(args)%2 == 0 {
			if _, ok := args[0].(string); ok {
				if entry.Fields == nil {
					entry.Fields = make(map[string]interface{}, len(args)/2)
				}
				for i := 0; i < len(args); i += 2 {
					key, ok := args[i].(string)
					if !ok {
						continue
					}
					if err, isErr := args[i+1].(error); isErr && err != nil {
						entry.Fields[key] = err.Error()
					} else {
						entry.Fields[key] = args[i+1]
					}
				}
			} else {
				entry.Message = fmt.Sprintf(msg, args...)
			}
		} else {
			entry.Message = fmt.Sprintf(msg, args...)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonFormat {
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.output, string(data))
		return
	}

	var b strings.Builder
	b.WriteString(entry.Timestamp[:19])
	b.WriteString(fmt.Sprintf(" [%-5s] ", entry.Level))
	if entry.Component != "" {
		b.WriteString("[" + entry.Component + "] ")
	}
	b.WriteString(entry.Message)
	if len(entry.Fields) > 0 {
		b.WriteString(" |")
		for k, v := range entry.Fields {
			b.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
	}
	fmt.Fprintln(l.output, b.String())
}

// Debug logs at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }

// Info logs at INFO level
func (l *Logger) Info(msg string, args ...interface{}) { l.log(INFO, msg, args...) }

// Warn logs at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) { l.log(WARN, msg, args...) }

// Error logs at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }
