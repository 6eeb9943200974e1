// Package logx defines the logger sink every handler and the RPC
// multiplexer log through, and a logrus-backed default implementation
// (spec section 6: "Logger: injected sink with debug/info/warn/error/
// exception levels; default sink writes to standard output with thread id
// and timestamp").
package logx

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the injected sink. Implementations must be safe for concurrent
// use: the dispatch goroutine, the transport's read pump, and arbitrary
// caller goroutines all log through it.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Exception(err error, format string, args ...interface{})
}

// logrusLogger is the default sink: stdout, leveled, with goroutine id and
// timestamp on every line.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefault returns the default logrus-backed sink.
func NewDefault() Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) withGoroutine() *logrus.Entry {
	return l.entry.WithField("goroutine", goroutineID())
}

func (l *logrusLogger) Debug(format string, args ...interface{}) {
	l.withGoroutine().Debugf(format, args...)
}

func (l *logrusLogger) Info(format string, args ...interface{}) {
	l.withGoroutine().Infof(format, args...)
}

func (l *logrusLogger) Warn(format string, args ...interface{}) {
	l.withGoroutine().Warnf(format, args...)
}

func (l *logrusLogger) Error(format string, args ...interface{}) {
	l.withGoroutine().Errorf(format, args...)
}

func (l *logrusLogger) Exception(err error, format string, args ...interface{}) {
	l.withGoroutine().WithError(err).Errorf(format, args...)
}

// goroutineID is a best-effort, allocation-light stand-in for a thread id:
// Go doesn't expose one, so we print the current goroutine's stack-trace
// header, which starts with "goroutine <n> [...]".
func goroutineID() string {
	var buf [64]byte
	n := runtimeStack(buf[:])
	return fmt.Sprintf("g:%s", parseGoroutineID(buf[:n]))
}
