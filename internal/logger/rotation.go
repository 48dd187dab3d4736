package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedStampLayout = "20060102T150405"

// rollingFile is the logger's file sink: it rotates the file in place once
// it grows past maxSize, gzips rotated copies when asked, and prunes copies
// older than maxAge days.
type rollingFile struct {
	mu       sync.Mutex
	path     string
	maxSize  int64 // bytes; 0 disables rotation
	maxAge   int   // days; 0 disables pruning
	compress bool
	file     *os.File
	size     int64
}

func openRollingFile(path string, maxSizeMB, maxAgeDays int, compress bool) (*rollingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rf := &rollingFile{
		path:     path,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAgeDays,
		compress: compress,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}

	go rf.prune()

	return rf, nil
}

func (rf *rollingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *rollingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.maxSize > 0 && rf.size+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

func (rf *rollingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// rotate renames the live file aside and reopens a fresh one. Caller holds mu.
func (rf *rollingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", rf.path, time.Now().Format(rotatedStampLayout))
	if err := os.Rename(rf.path, rotated); err != nil {
		return err
	}

	if rf.compress {
		go func() {
			if err := compressLogFile(rotated); err == nil {
				rf.prune()
			}
		}()
	} else {
		go rf.prune()
	}

	return rf.open()
}

func compressLogFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

// prune removes rotated copies older than maxAge days.
func (rf *rollingFile) prune() {
	if rf.maxAge <= 0 {
		return
	}

	matches, err := filepath.Glob(rf.path + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -rf.maxAge)
	for _, m := range matches {
		if m == rf.path {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(m)
			if !strings.HasSuffix(m, ".gz") {
				os.Remove(m + ".gz")
			}
		}
	}
}
