//go:build tracing

package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileExporter writes traces to a JSON Lines file, rotating it by size.
type FileExporter struct {
	filePath string
	opts     fileOptions
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	closed   bool
}

// NewFileExporter creates a file-based trace exporter.
// An empty path yields a no-op exporter.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	if filePath == "" {
		return &NoopExporter{}, nil
	}

	o := fileOptions{maxSizeBytes: 10 * 1024 * 1024, maxRotatedFiles: 5}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	fe := &FileExporter{filePath: filePath, opts: o}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open() error {
	file, err := os.OpenFile(fe.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	fe.file = file
	fe.encoder = json.NewEncoder(file)
	return nil
}

// Export writes a trace record as one JSON line, rotating afterwards if needed.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return fmt.Errorf("exporter closed")
	}
	if err := fe.encoder.Encode(record); err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	if err := fe.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file. Safe to call more than once.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true

	if err := fe.file.Sync(); err != nil {
		fe.file.Close()
		return fmt.Errorf("sync trace file: %w", err)
	}
	return fe.file.Close()
}

// rotateIfNeeded must be called with the lock held.
func (fe *FileExporter) rotateIfNeeded() error {
	info, err := fe.file.Stat()
	if err != nil {
		return fmt.Errorf("stat trace file: %w", err)
	}
	if info.Size() < fe.opts.maxSizeBytes {
		return nil
	}

	if err := fe.file.Close(); err != nil {
		return fmt.Errorf("close trace file for rotation: %w", err)
	}
	if err := fe.shiftRotated(); err != nil {
		return err
	}
	return fe.open()
}

// shiftRotated moves path.N-1 to path.N, dropping the oldest, then path to path.1.
func (fe *FileExporter) shiftRotated() error {
	oldest := fmt.Sprintf("%s.%d", fe.filePath, fe.opts.maxRotatedFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove oldest rotated file: %w", err)
	}

	for i := fe.opts.maxRotatedFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", fe.filePath, i)
		to := fmt.Sprintf("%s.%d", fe.filePath, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift rotated file %s -> %s: %w", from, to, err)
		}
	}

	if err := os.Rename(fe.filePath, fe.filePath+".1"); err != nil {
		return fmt.Errorf("rotate current file to .1: %w", err)
	}
	return nil
}
