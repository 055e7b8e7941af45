package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the application log.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

// FileLogger writes timestamped application log lines to a rotating file.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	out    *lumberjack.Logger
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending with the default rotation limits.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewRotatingFileLogger(path, DefaultMaxSizeMB, DefaultMaxBackups, DefaultMaxAgeDays)
}

// NewRotatingFileLogger opens path for appending. The file is rotated once it
// exceeds maxSizeMB; maxBackups and maxAgeDays bound the retained files.
func NewRotatingFileLogger(path string, maxSizeMB, maxBackups, maxAgeDays int) (*FileLogger, error) {
	// lumberjack opens lazily, so surface a bad path now.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	f.Close()

	return &FileLogger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		},
	}, nil
}

// Log writes a formatted message to the log file with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.out, "%s %s\n", time.Now().Format(timeLayout), fmt.Sprintf(format, args...))
}

// Rotate closes the current file and starts a new one.
func (l *FileLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.out.Rotate()
}

// Close closes the log file. Further Log calls are dropped.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.out.Close()
}
