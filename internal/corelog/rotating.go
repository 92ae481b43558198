// Package corelog provides a mutex-guarded, size-rotated log sink with two
// severity levels, built so the RPC envelope in internal/fsops can log
// without ever blocking on a lock held elsewhere: the sink's own mutex is
// always the innermost lock taken.
package corelog

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxSize    = 2 * 1024 * 1024 * 1024 // 2GB
	defaultMaxBackups = 6
	checkInterval     = 30 * time.Second
)

// RotatingFile is an io.Writer over a size-rotating append-only file: it
// has no opinion on line formatting (that is Sink's job; Sink always
// writes one already-formatted, newline-terminated line per call) and
// exists purely as the backing store NewFileSink hands to Sink.
type RotatingFile struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	currentSize int64
	maxSize     int64
	maxBackups  int
	stopCh      chan struct{}
}

// NewRotatingFile opens (creating if necessary) the file at path and starts
// its background rotation checker.
func NewRotatingFile(path string) (*RotatingFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	rf := &RotatingFile{
		file:        file,
		path:        path,
		currentSize: info.Size(),
		maxSize:     defaultMaxSize,
		maxBackups:  defaultMaxBackups,
		stopCh:      make(chan struct{}),
	}

	go rf.rotationChecker()

	return rf, nil
}

// Write implements io.Writer: it appends p as-is (Sink has already formatted
// and newline-terminated the line) and rotates once the file crosses
// maxSize. The returned byte count is always len(p) on success, matching
// io.Writer's contract so Sink's own fmt.Fprintf never reports a short
// write.
func (l *RotatingFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.file.Write(p)
	if err != nil {
		return n, err
	}

	l.currentSize += int64(n)
	if l.currentSize >= l.maxSize {
		if err := l.rotate(); err != nil {
			return n, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	return n, nil
}

func (l *RotatingFile) rotate() error {
	l.file.Close()

	timestamp := time.Now().Format("20060102-150405")
	newName := fmt.Sprintf("%s.%s", l.path, timestamp)

	if err := os.Rename(l.path, newName); err != nil {
		return err
	}

	go l.compressFile(newName)
	go l.cleanupOldFiles()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.file = file
	l.currentSize = 0

	return nil
}

func (l *RotatingFile) compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	dest, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dest.Close()

	gzWriter := gzip.NewWriter(dest)
	defer gzWriter.Close()

	if _, err := io.Copy(gzWriter, source); err != nil {
		return err
	}

	return os.Remove(path)
}

func (l *RotatingFile) cleanupOldFiles() error {
	dir := filepath.Dir(l.path)
	base := filepath.Base(l.path)

	files, err := filepath.Glob(filepath.Join(dir, base+".*.gz"))
	if err != nil {
		return err
	}
	if len(files) <= l.maxBackups {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		fi, _ := os.Stat(files[i])
		fj, _ := os.Stat(files[j])
		return fi.ModTime().Before(fj.ModTime())
	})

	for i := 0; i < len(files)-l.maxBackups; i++ {
		os.Remove(files[i])
	}
	return nil
}

func (l *RotatingFile) rotationChecker() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			info, err := l.file.Stat()
			if err == nil {
				l.currentSize = info.Size()
				if l.currentSize >= l.maxSize {
					l.rotate()
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Close stops the rotation checker and closes the underlying file.
func (l *RotatingFile) Close() error {
	close(l.stopCh)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
