package corelog

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Sink is a mutex-guarded formatted writer with a debug level and an error
// level, the latter carrying a status code. Every method takes only Sink's
// own mutex, so it is safe to call from inside the RPC envelope without
// risking lock inversion against the pool, registry, or cache locks.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	debug  bool
	closer io.Closer
}

// NewSink wraps w as a guarded sink. If debugEnabled is false, Debug calls
// return without formatting; their arguments are still evaluated by the
// caller, which DebugEnabled lets a caller skip.
func NewSink(w io.Writer, debugEnabled bool) *Sink {
	return &Sink{out: w, debug: debugEnabled}
}

// NewFileSink opens (or creates) a rotating file at path and wraps it.
// RotatingFile implements io.Writer directly: Sink owns all line
// formatting (timestamp, level, status), so the file just appends the
// already-formatted bytes it is given and rotates on size.
func NewFileSink(path string, debugEnabled bool) (*Sink, error) {
	rf, err := NewRotatingFile(path)
	if err != nil {
		return nil, err
	}
	return &Sink{out: rf, debug: debugEnabled, closer: rf}, nil
}

// DebugEnabled reports whether debug-level logging is active, so callers can
// skip building an expensive message.
func (s *Sink) DebugEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debug
}

// Debug writes a debug-level line if debug logging is enabled.
func (s *Sink) Debug(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.debug {
		return
	}
	s.writeLocked("DEBUG", 0, format, args...)
}

// Error writes an error-level line carrying a status code.
func (s *Sink) Error(status int, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked("ERROR", status, format, args...)
}

func (s *Sink) writeLocked(level string, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	if level == "ERROR" {
		fmt.Fprintf(s.out, "%s | %-5s | status=%d | %s\n", ts, level, status, msg)
		return
	}
	fmt.Fprintf(s.out, "%s | %-5s | %s\n", ts, level, msg)
}

// Close releases any underlying resource (e.g. a rotating file).
func (s *Sink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Discard is a sink that drops everything; useful as a zero-value-safe
// default so callers never need a nil check.
var Discard = NewSink(io.Discard, false)
