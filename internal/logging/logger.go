// Package logging provides leveled logging for the sepkern project,
// backed by logrus.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// EnvVar is the environment variable controlling the default log level.
// It has no functional effect on the kernel.
const EnvVar = "SEPKERN_LOG"

// Config holds logging configuration
type Config struct {
	Level  string // logrus level name ("trace".."error"); empty means "info"
	Output io.Writer
}

// DefaultConfig returns the configuration derived from the environment
func DefaultConfig() *Config {
	return &Config{
		Level:  os.Getenv(EnvVar),
		Output: os.Stderr,
	}
}

// Logger wraps a logrus logger
type Logger struct {
	l *logrus.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if config.Output != nil {
		l.SetOutput(config.Output)
	}

	level := logrus.InfoLevel
	if config.Level != "" {
		if parsed, err := logrus.ParseLevel(config.Level); err == nil {
			level = parsed
		}
	}
	l.SetLevel(level)

	return &Logger{l: l}
}

// Default returns the default logger, creating it from the environment if
// necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Level returns the logger's active level name
func (l *Logger) Level() string {
	return l.l.GetLevel().String()
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.l.Tracef(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.l.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.l.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.l.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.l.Errorf(format, args...)
}
