// Package loglines turns the diagnostic output of child processes into log
// records, one per line.
package loglines

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

const maxLine = 4096

// Writer is an io.Writer that logs each complete line at a fixed level.
type Writer struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	buf    []byte
}

// New returns a Writer logging to logger at level.
func New(logger *slog.Logger, level slog.Level) *Writer {
	return &Writer{logger: logger, level: level}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}

	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}

	return len(p), nil
}

// Flush logs whatever is left without a trailing newline.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emit(w.buf)
	w.buf = nil
}

func (w *Writer) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line))
}
