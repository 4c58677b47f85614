package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogEntry represents one line of worker output
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	Message     string    `json:"message"`
}

// LogConfig defines configuration for log management
type LogConfig struct {
	LogDir      string        // Directory to store log files
	MaxFileSize int64         // Maximum size of a log file in bytes
	MaxAge      time.Duration // Maximum age of log files
}

// LogManager captures worker output into one JSON-lines file per execution
type LogManager struct {
	logger *zap.Logger
	config LogConfig
	mu     sync.Mutex
	open   map[string]*logWriter
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &LogManager{
		logger: logger.Named("log-manager"),
		config: config,
		open:   make(map[string]*logWriter),
	}, nil
}

func (lm *LogManager) path(executionID string) string {
	return filepath.Join(lm.config.LogDir, executionID+".log")
}

// Writer opens the log sink for an execution. Every line written becomes
// one LogEntry; a trailing partial line is flushed on Close.
func (lm *LogManager) Writer(executionID string) (io.WriteCloser, error) {
	file, err := os.OpenFile(lm.path(executionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	w := &logWriter{
		manager:     lm,
		executionID: executionID,
		file:        file,
		encoder:     json.NewEncoder(file),
	}

	lm.mu.Lock()
	lm.open[executionID] = w
	lm.mu.Unlock()

	return w, nil
}

// GetLogs retrieves the entries of an execution within [start, end]
func (lm *LogManager) GetLogs(executionID string, start, end time.Time) ([]LogEntry, error) {
	file, err := os.Open(lm.path(executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []LogEntry
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}

		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			logs = append(logs, entry)
		}
	}

	return logs, nil
}

// Tail returns the captured output of an execution as text, one line per
// entry, keeping at most the last limit bytes
func (lm *LogManager) Tail(executionID string, limit int) (string, error) {
	entries, err := lm.GetLogs(executionID, time.Time{}, time.Now().Add(24*time.Hour))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Message)
		b.WriteByte('\n')
	}

	text := b.String()
	if limit > 0 && len(text) > limit {
		text = text[len(text)-limit:]
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}
	return text, nil
}

// Rotate removes log files older than MaxAge and renames files larger than
// MaxFileSize. Files of executions still writing are left alone.
func (lm *LogManager) Rotate(now time.Time) (removed, rotated int) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	err := filepath.Walk(lm.config.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip directories
		if info.IsDir() {
			return nil
		}

		id := strings.TrimSuffix(info.Name(), ".log")
		if _, active := lm.open[id]; active {
			return nil
		}

		if lm.config.MaxAge > 0 && now.Sub(info.ModTime()) > lm.config.MaxAge {
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to remove old log file",
					zap.String("path", path),
					zap.Error(err))
				return nil
			}
			removed++
			return nil
		}

		if lm.config.MaxFileSize > 0 && info.Size() > lm.config.MaxFileSize && strings.HasSuffix(path, ".log") {
			if err := os.Rename(path, path+".1"); err != nil {
				lm.logger.Error("Failed to rotate log file",
					zap.String("path", path),
					zap.Error(err))
				return nil
			}
			rotated++
		}

		return nil
	})
	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
	}

	return removed, rotated
}

// Stop closes every open log file
func (lm *LogManager) Stop() {
	lm.mu.Lock()
	writers := make([]*logWriter, 0, len(lm.open))
	for _, w := range lm.open {
		writers = append(writers, w)
	}
	lm.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
}

type logWriter struct {
	manager     *LogManager
	executionID string

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	pending []byte
	closed  bool
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.pending[:i]); err != nil {
			return 0, err
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.pending) > 0 {
		if err := w.emit(w.pending); err != nil {
			w.manager.logger.Error("Failed to write log entry",
				zap.String("execution_id", w.executionID),
				zap.Error(err))
		}
		w.pending = nil
	}

	w.manager.mu.Lock()
	delete(w.manager.open, w.executionID)
	w.manager.mu.Unlock()

	return w.file.Close()
}

func (w *logWriter) emit(line []byte) error {
	ts, message := splitTimestamp(string(bytes.TrimRight(line, "\r")))
	return w.encoder.Encode(LogEntry{
		Timestamp:   ts,
		ExecutionID: w.executionID,
		Message:     message,
	})
}

// splitTimestamp strips the RFC 3339 prefix docker adds to each line
func splitTimestamp(line string) (time.Time, string) {
	if prefix, rest, ok := strings.Cut(line, " "); ok {
		if ts, err := time.Parse(time.RFC3339Nano, prefix); err == nil {
			return ts, rest
		}
	}
	return time.Now(), line
}
