package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

// Writer receives records for handled faults.
type Writer interface {
	WriteRecord(rec *Record) error
}

// JSONLWriter writes records as JSON Lines. It is safe for use by several
// vCPUs at once.
type JSONLWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer
	closed bool
}

var ErrWriterClosed = errors.New("trace writer is closed")

// NewJSONLWriter wraps w. The caller keeps ownership of w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriter(w)
	return &JSONLWriter{enc: json.NewEncoder(buf), buf: buf}
}

// NewJSONLWriterFile creates (or truncates) path; Close closes the file.
func NewJSONLWriterFile(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewJSONLWriter(f)
	w.closer = f
	return w, nil
}

func NewJSONLWriterStdout() *JSONLWriter {
	return NewJSONLWriter(os.Stdout)
}

// WriteRecord encodes rec as a single line.
func (w *JSONLWriter) WriteRecord(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.enc.Encode(rec)
}

// Flush writes buffered lines to the underlying writer.
func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.buf.Flush()
}

// Close flushes and, for file writers, closes the file. Closing twice is a
// no-op.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		if w.closer != nil {
			_ = w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
