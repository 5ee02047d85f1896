// Package eventlog implements a bounded append-only file of newline-delimited
// JSON records. Appends never interleave, unreadable lines are reported rather
// than aborting a read, and the head of the log can be truncated once the
// records in it have been delivered.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Line is one line of the log. Record is nil when the line could not be parsed.
type Line[T any] struct {
	Raw    string
	Record *T
}

// Log is an append-only log of records of type T stored at a single path.
// All methods are safe for concurrent use.
type Log[T any] struct {
	path string
	mu   sync.RWMutex
}

// Open returns a log stored at path. The file and its directory are created
// lazily on the first append.
func Open[T any](path string) (*Log[T], error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("eventlog: path is required")
	}
	return &Log[T]{path: filepath.Clean(path)}, nil
}

// Path returns the backing file path.
func (l *Log[T]) Path() string { return l.path }

// Append serializes record as one line and appends it to the file.
func (l *Log[T]) Append(record T) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	// json.Marshal escapes control characters, so data holds no newline

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	torn, err := endsWithPartialLine(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+2)
	if torn {
		// terminate a line left half-written by a crash so this record stays parseable
		buf = append(buf, '\n')
	}
	buf = append(buf, data...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Lines streams the log in file order. When limit > 0 it stops after limit
// successfully parsed records; unparseable lines are still yielded (with a nil
// Record) but do not count towards the limit. An I/O failure is yielded as the
// final element.
//
// The log is read-locked while the sequence is being consumed, so the loop
// body must not call Append, TruncateFirst or DeleteAll.
func (l *Log[T]) Lines(limit int) iter.Seq2[Line[T], error] {
	return func(yield func(Line[T], error) bool) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		f, err := os.Open(l.path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Line[T]{}, fmt.Errorf("open log: %w", err))
			return
		}
		defer f.Close()

		r := bufio.NewReader(f)
		parsed := 0
		for limit <= 0 || parsed < limit {
			raw, err := r.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				yield(Line[T]{}, fmt.Errorf("read log: %w", err))
				return
			}
			if raw == "" && errors.Is(err, io.EOF) {
				return
			}

			line := Line[T]{Raw: strings.TrimSuffix(raw, "\n")}
			if rec, ok := decode[T](line.Raw); ok {
				line.Record = rec
				parsed++
			}
			if !yield(line, nil) {
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
		}
	}
}

// TruncateFirst removes the first count lines, keeping the rest. Counts larger
// than the number of lines clear the log. The remainder is written to a
// temporary file that replaces the log atomically.
func (l *Log[T]) TruncateFirst(count int) error {
	if count <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer src.Close()

	r := bufio.NewReader(src)
	for skipped := 0; skipped < count; skipped++ {
		if _, err := r.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read log: %w", err)
		}
	}

	tmpPath := l.path + fmt.Sprintf(".tmp.%d", rand.Int())
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create truncated log: %w", err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("copy log tail: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close truncated log: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}

// SizeInBytes returns the current file size, 0 when the file does not exist.
func (l *Log[T]) SizeInBytes() (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fi, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat log: %w", err)
	}
	return fi.Size(), nil
}

// DeleteAll removes the backing file.
func (l *Log[T]) DeleteAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete log: %w", err)
	}
	return nil
}

// Validator is implemented by record types that can reject a line which is
// well-formed JSON but not a usable record (for example "null" or "{}").
type Validator interface {
	Validate() error
}

func decode[T any](raw string) (*T, bool) {
	var rec T
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	if v, ok := any(&rec).(Validator); ok && v.Validate() != nil {
		return nil, false
	}
	return &rec, true
}

func endsWithPartialLine(f *os.File) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat log: %w", err)
	}
	if fi.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return false, fmt.Errorf("read log tail: %w", err)
	}
	return last[0] != '\n', nil
}
