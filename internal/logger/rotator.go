package logger

import (
	"fmt"
	"os"
	"sync"
)

// Rotator is an io.Writer that rotates its file once it grows past MaxSize.
type Rotator struct {
	Filename   string
	MaxSize    int64
	MaxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func (r *Rotator) openExistingOrNew() error {
	info, err := os.Stat(r.Filename)
	if os.IsNotExist(err) {
		return r.openNew()
	}
	if err != nil {
		return err
	}
	f, err := os.OpenFile(r.Filename, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *Rotator) openNew() error {
	f, err := os.OpenFile(r.Filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = 0
	return nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openExistingOrNew(); err != nil {
			return 0, err
		}
	}
	if r.MaxSize > 0 && r.size+int64(len(p)) > r.MaxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close releases the underlying file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate shifts f.N-1 → f.N, ..., f → f.1 and reopens f empty.
func (r *Rotator) rotate() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if r.MaxBackups > 0 {
		for i := r.MaxBackups - 1; i >= 1; i-- {
			oldPath := fmt.Sprintf("%s.%d", r.Filename, i)
			if _, err := os.Stat(oldPath); os.IsNotExist(err) {
				continue
			}
			_ = os.Rename(oldPath, fmt.Sprintf("%s.%d", r.Filename, i+1))
		}
		if _, err := os.Stat(r.Filename); err == nil {
			_ = os.Rename(r.Filename, r.Filename+".1")
		}
	}
	return r.openNew()
}
