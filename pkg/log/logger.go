// Structured logging for the analog probe host
//
// Provides leveled, prefixed loggers on top of logrus with:
// - structured fields (key-value pairs)
// - text or JSON output
// - ANSI colors for terminal output
// - optional caller info
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
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

// ParseLevel parses a string into a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
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

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func fromLogrus(l logrus.Level) LogLevel {
	switch {
	case l >= logrus.DebugLevel:
		return DEBUG
	case l == logrus.InfoLevel:
		return INFO
	case l == logrus.WarnLevel:
		return WARN
	default:
		return ERROR
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// Environment variables read by ConfigureFromEnv.
const (
	EnvLevel  = "PROBE_LOG_LEVEL"
	EnvFormat = "PROBE_LOG_FORMAT"
	EnvCaller = "PROBE_LOG_CALLER"
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is shared by every logger derived from the same root so that
// SetWriter/SetLevel on the root apply to all component loggers.
type sink struct {
	lr *logrus.Logger

	mu        sync.Mutex
	text      *textFormatter
	outFormat OutputFormat
	caller    bool
}

// meta travels with each logrus entry through its context.
type meta struct {
	prefix string
	caller string
}

type metaKey struct{}

func entryMeta(e *logrus.Entry) meta {
	if e.Context != nil {
		if m, ok := e.Context.Value(metaKey{}).(meta); ok {
			return m
		}
	}
	return meta{}
}

// Logger is a prefixed view onto a shared sink
type Logger struct {
	prefix string
	fields Fields
	out    *sink
}

// Entry represents a single log entry with fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
	ansiReset = "\x1b[0m"
)

// New creates a new root logger writing to stderr at INFO
func New(prefix string) *Logger {
	text := &textFormatter{
		timeFormat: "2006-01-02 15:04:05.000",
		colorize:   os.Getenv("NO_COLOR") == "",
	}
	lr := logrus.New()
	lr.SetOutput(os.Stderr)
	lr.SetLevel(logrus.InfoLevel)
	lr.SetFormatter(text)
	return &Logger{
		prefix: prefix,
		fields: Fields{},
		out:    &sink{lr: lr, text: text, outFormat: FormatText},
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.lr.SetLevel(level.logrus())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return fromLogrus(l.out.lr.GetLevel())
}

// SetWriter sets the output writer
func (l *Logger) SetWriter(w io.Writer) {
	l.out.lr.SetOutput(w)
}

// SetColorize enables or disables colorized output
func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	// Swap rather than mutate: a concurrent Format may hold the old one.
	text := *l.out.text
	text.colorize = enable
	l.out.text = &text
	if l.out.outFormat == FormatText {
		l.out.lr.SetFormatter(&text)
	}
}

// SetFormat sets the output format
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.outFormat = format
	if format == FormatJSON {
		l.out.lr.SetFormatter(jsonFormatter{})
	} else {
		l.out.lr.SetFormatter(l.out.text)
	}
}

// SetCaller enables or disables caller info
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.caller = enable
}

// WithPrefix returns a logger sharing this logger's sink under a new prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, fields: l.fields, out: l.out}
}

// With returns a logger that attaches the given fields to every message
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{prefix: l.prefix, fields: merged, out: l.out}
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", errString(err))
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// textFormatter renders "time [LEVEL] prefix: msg (caller) {k=v, ...}".
type textFormatter struct {
	timeFormat string
	colorize   bool
}

func (f *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	m := entryMeta(e)
	level := fromLogrus(e.Level)
	var sb strings.Builder
	sb.WriteString(e.Time.Format(f.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level.String())
	if f.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(m.prefix)
	if f.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if m.caller != "" {
		sb.WriteString(" (" + m.caller + ")")
	}
	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Data[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

// JSONLogEntry is the structure for JSON formatted log entries
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type jsonFormatter struct{}

func (jsonFormatter) Format(e *logrus.Entry) ([]byte, error) {
	m := entryMeta(e)
	entry := JSONLogEntry{
		Timestamp: e.Time.Format(time.RFC3339Nano),
		Level:     fromLogrus(e.Level).String(),
		Logger:    m.prefix,
		Message:   e.Message,
		Caller:    m.caller,
	}
	if len(e.Data) > 0 {
		entry.Fields = e.Data
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)), nil
	}
	return append(data, '\n'), nil
}

// emit is the single write path. skip counts frames above emit.
func (l *Logger) emit(level LogLevel, msg string, fields Fields, skip int) {
	if !l.out.lr.IsLevelEnabled(level.logrus()) {
		return
	}

	all := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}

	m := meta{prefix: l.prefix}
	l.out.mu.Lock()
	withCaller := l.out.caller
	l.out.mu.Unlock()
	if withCaller {
		m.caller = getCaller(skip + 2)
	}

	ctx := context.WithValue(context.Background(), metaKey{}, m)
	l.out.lr.WithContext(ctx).WithFields(all).Log(level.logrus(), msg)
}

func sprintf(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.emit(DEBUG, sprintf(msg, args), nil, 1)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.emit(INFO, sprintf(msg, args), nil, 1)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.emit(WARN, sprintf(msg, args), nil, 1)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.emit(ERROR, sprintf(msg, args), nil, 1)
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

func (e *Entry) Debug(msg string, args ...interface{}) {
	e.logger.emit(DEBUG, sprintf(msg, args), e.fields, 1)
}

func (e *Entry) Info(msg string, args ...interface{}) {
	e.logger.emit(INFO, sprintf(msg, args), e.fields, 1)
}

func (e *Entry) Warn(msg string, args ...interface{}) {
	e.logger.emit(WARN, sprintf(msg, args), e.fields, 1)
}

func (e *Entry) Error(msg string, args ...interface{}) {
	e.logger.emit(ERROR, sprintf(msg, args), e.fields, 1)
}

// SetDefaultLogger replaces the root logger used by GetLogger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Default returns the root logger
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("probe")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger
}

// GetLogger returns a component logger sharing the root sink
func GetLogger(prefix string) *Logger {
	return Default().WithPrefix(prefix)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
//   - PROBE_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - PROBE_LOG_FORMAT: text, json
//   - PROBE_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv(EnvLevel); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	switch strings.ToLower(os.Getenv(EnvFormat)) {
	case "json":
		l.SetFormat(FormatJSON)
	case "text":
		l.SetFormat(FormatText)
	}
	if os.Getenv(EnvCaller) != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
