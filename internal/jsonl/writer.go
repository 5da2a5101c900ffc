package jsonl

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one line of the audit trail.
type Record struct {
	TS      time.Time `json:"ts"`
	Session string    `json:"session"`
	Kind    string    `json:"kind"`
	Data    any       `json:"data,omitempty"`
}

// Writer appends audit records, one JSON object per line, tagged with the
// session id of the running process. Files are rotated by size.
//
// It is safe for concurrent use. A nil *Writer discards everything.
type Writer struct {
	mu      sync.Mutex
	out     io.WriteCloser
	session string
	now     func() time.Time
}

// New returns a writer appending to path, rotating after maxSizeMB (0 means
// the lumberjack default). If path is empty/blank, it returns nil.
func New(path string, maxSizeMB int) (*Writer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return newWriter(&lumberjack.Logger{
		Filename: path,
		MaxSize:  maxSizeMB,
		Compress: true,
	}), nil
}

func newWriter(out io.WriteCloser) *Writer {
	return &Writer{out: out, session: uuid.NewString(), now: time.Now}
}

func (w *Writer) Session() string {
	if w == nil {
		return ""
	}
	return w.session
}

// Write appends a record of the given kind carrying data.
func (w *Writer) Write(kind string, data any) error {
	if w == nil {
		return nil
	}
	if kind == "" {
		return fmt.Errorf("jsonl: empty record kind")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return fmt.Errorf("jsonl: writer closed")
	}

	b, err := json.Marshal(Record{TS: w.now().UTC(), Session: w.session, Kind: kind, Data: data})
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.out.Write(b)
	return err
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}
