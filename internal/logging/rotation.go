package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// backupStamp is fixed-width so backup names sort chronologically.
const backupStamp = "20060102-150405.000000000"

// RotatingWriter appends to a log file and, once the size cap would be
// crossed, renames it to a timestamped sibling and starts fresh. Siblings
// beyond the retention count are pruned. Safe for concurrent use.
type RotatingWriter struct {
	mu    sync.Mutex
	out   *os.File
	path  string
	limit int64 // bytes
	keep  int
	size  int64
	now   func() time.Time
}

// NewRotatingWriter opens (or creates) the log file at path, rolling it
// over once it exceeds maxSizeMB and keeping maxBackups old files.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:  path,
		limit: int64(maxSizeMB) * 1024 * 1024,
		keep:  maxBackups,
		now:   time.Now,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Write implements io.Writer, rolling the file over first when the write
// would push it past the cap.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.size+int64(len(p)) > rw.limit {
		if err := rw.roll(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := rw.out.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current log file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.out == nil {
		return nil
	}
	err := rw.out.Close()
	rw.out = nil
	return err
}

// TeeWriter returns an io.Writer that writes to both w1 and w2.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.out = f
	rw.size = info.Size()
	return nil
}

// roll moves the current file aside under a timestamped name, prunes old
// backups past the retention count, and reopens a fresh file.
func (rw *RotatingWriter) roll() error {
	if rw.out != nil {
		rw.out.Close()
		rw.out = nil
	}

	backup := rw.path + "." + rw.now().Format(backupStamp)
	if err := os.Rename(rw.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	rw.prune()

	return rw.open()
}

func (rw *RotatingWriter) prune() {
	backups, err := filepath.Glob(rw.path + ".*")
	if err != nil || len(backups) <= rw.keep {
		return
	}
	// Fixed-width timestamps sort oldest-first.
	sort.Strings(backups)
	for _, stale := range backups[:len(backups)-rw.keep] {
		os.Remove(stale)
	}
}
