package plshare

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for warning messages
	LogLevelWarning

	// LogLevelInfo is for info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

// StringToLogLevel converts a string to a LogLevel
func StringToLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if name == strings.ToLower(s) {
			return LogLevel(i)
		}
	}
	return LogLevelUnknown
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// Logger is an interface for a logging component that supports logging levels
// and prefix forking
type Logger interface {
	// Prefix returns the prefix attached to each output record
	Prefix() string

	// GetLogLevel returns the current filter level
	GetLogLevel() LogLevel

	// SetLogLevel changes the filter level
	SetLogLevel(logLevel LogLevel)

	// Panicf outputs a log message and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise outputs a log
	// message and panics
	PanicOnError(err error)

	// Logf outputs to the Logger iff logLevel is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	// ELogf outputs to the Logger iff ERROR logging level is enabled
	ELogf(f string, args ...interface{})

	// WLogf outputs to the Logger iff WARNING logging level is enabled
	WLogf(f string, args ...interface{})

	// ILogf outputs to the Logger iff INFO logging level is enabled
	ILogf(f string, args ...interface{})

	// DLogf outputs to the Logger iff DEBUG logging level is enabled
	DLogf(f string, args ...interface{})

	// TLogf outputs to the Logger iff TRACE logging level is enabled
	TLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// ELogErrorf outputs an error message iff ERROR logging level is enabled,
	// and returns an error object with a description string that has the
	// Logger's prefix
	ELogErrorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// Fork creates a new Logger that has an additional formatted string
	// appended onto an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	logger   *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

// NewLogger creates a new Logger with a given prefix and log level,
// emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithWriter(log.New(os.Stderr, "", defaultLogFlags), prefix, logLevel)
}

// NewLoggerWithWriter creates a new Logger on top of an existing *log.Logger
func NewLoggerWithWriter(logger *log.Logger, prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Prefix returns the prefix attached to each output record
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the current filter level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

// SetLogLevel changes the filter level
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Logf outputs to the Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		msg := l.Sprintf(f, args...)
		l.logger.Print(msg)
		if logLevel == LogLevelFatal {
			os.Exit(1)
		}
		if logLevel == LogLevelPanic {
			panic(msg)
		}
	}
}

// Panicf outputs a log message and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

// PanicOnError does nothing if err is nil; otherwise outputs a log
// message and panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panicf("%s", err)
	}
}

// ELogf outputs to the Logger iff ERROR logging level is enabled
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs to the Logger iff WARNING logging level is enabled
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs to the Logger iff INFO logging level is enabled
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs to the Logger iff DEBUG logging level is enabled
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs to the Logger iff TRACE logging level is enabled
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf("%s", l.Sprintf(f, args...))
}

// ELogErrorf outputs an error message iff ERROR logging level is enabled,
// and returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.Logf(LogLevelError, "%s", err)
	return err
}

// Fork creates a new Logger that has an additional formatted string
// appended onto an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := l.prefix
	if newPrefix != "" {
		newPrefix += ": "
	}
	newPrefix += fmt.Sprintf(prefix, args...)
	return NewLoggerWithWriter(l.logger, newPrefix, l.logLevel)
}

// NilLogger returns a Logger that discards all output. It is used as the
// default when a component is constructed without a logger.
func NilLogger() Logger {
	return NewLoggerWithWriter(log.New(nilWriter{}, "", 0), "", LogLevelPanic)
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) {
	return len(p), nil
}
