package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger is the minimal sink accepted by the client options.
type Logger interface {
	Printf(format string, args ...interface{})
}

// LeveledLogger is what every component logs through.
type LeveledLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Level int

const (
	ERROR Level = iota
	WARNING
	INFO
	DEBUG
)

// ParseLevel converts debug, info, warn(ing) or error. Unknown names fall back to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "warning", "warn":
		return WARNING
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// --------------------------------------------------------------------------
// Component logger
// --------------------------------------------------------------------------

type fsLogger struct {
	name   string
	level  Level
	logger *log.Logger
}

// New returns a stdout logger printing "LEVEL | component | message".
func New(component string, level Level) LeveledLogger {
	return NewWithWriter(os.Stdout, component, level)
}

func NewWithWriter(w io.Writer, component string, level Level) LeveledLogger {
	return &fsLogger{
		name:   component,
		level:  level,
		logger: log.New(w, "", log.Ldate|log.Ltime),
	}
}

func (l *fsLogger) Debugf(format string, args ...interface{}) {
	if l.level >= DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *fsLogger) Infof(format string, args ...interface{}) {
	if l.level >= INFO {
		l.log("INFO", format, args...)
	}
}

func (l *fsLogger) Warningf(format string, args ...interface{}) {
	if l.level >= WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *fsLogger) Errorf(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *fsLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Adapters
// --------------------------------------------------------------------------

type printfLogger struct {
	info Logger
	err  Logger
}

// FromPrintf routes debug and info to info, warnings and errors to err.
// Either may be nil to drop those messages.
func FromPrintf(info, err Logger) LeveledLogger {
	return &printfLogger{info: info, err: err}
}

func (l *printfLogger) Debugf(format string, args ...interface{}) {
	if l.info != nil {
		l.info.Printf(format, args...)
	}
}

func (l *printfLogger) Infof(format string, args ...interface{}) {
	if l.info != nil {
		l.info.Printf(format, args...)
	}
}

func (l *printfLogger) Warningf(format string, args ...interface{}) {
	if l.err != nil {
		l.err.Printf(format, args...)
	}
}

func (l *printfLogger) Errorf(format string, args ...interface{}) {
	if l.err != nil {
		l.err.Printf(format, args...)
	}
}

// Nop discards everything.
func Nop() LeveledLogger {
	return &printfLogger{}
}
