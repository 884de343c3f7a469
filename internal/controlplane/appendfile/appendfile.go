// Package appendfile provides the shared append-only JSONL primitive used
// by the idempotency ledger and the outbox, mirroring journal.Journal's
// open/append/flush shape without duplicating it.
package appendfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is an append-only line-oriented file with a buffered writer flushed
// after every line, matching journal.Journal's durability posture.
type File struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// Open creates the parent directory if needed and opens path for append.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("appendfile: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("appendfile: open %s: %w", path, err)
	}
	return &File{f: f, w: bufio.NewWriter(f)}, nil
}

// AppendLine writes data followed by a newline, flushing immediately.
func (af *File) AppendLine(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()
	if _, err := af.w.Write(data); err != nil {
		return fmt.Errorf("appendfile: write: %w", err)
	}
	if err := af.w.WriteByte('\n'); err != nil {
		return err
	}
	return af.w.Flush()
}

// Close flushes and closes the underlying file.
func (af *File) Close() error {
	af.mu.Lock()
	defer af.mu.Unlock()
	if err := af.w.Flush(); err != nil {
		return err
	}
	return af.f.Close()
}

// ReadLines returns every line of path, or nil if the file does not exist
// yet. Blank lines are included; callers should skip them as spec §6
// requires.
func ReadLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appendfile: open %s: %w", path, err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("appendfile: scan: %w", err)
	}
	return lines, nil
}
