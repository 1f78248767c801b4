// Package spool provides a byte buffer that spills to a temporary file once
// it grows past an in-memory threshold. It backs the streaming compression
// pipeline and upload handling, where payload sizes are unknown in advance.
package spool

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultThreshold is the number of bytes buffered in memory before the
// buffer spills to disk.
const DefaultThreshold = 256 * 1024

// ChunkSize is the preferred copy granularity for streaming operations.
const ChunkSize = 32 * 1024

// Buffer accumulates written bytes in memory and transparently moves to a
// temporary file when the threshold is exceeded. After writing, call Reader
// to consume the content from the start. Close releases the temporary file,
// if any.
type Buffer struct {
	threshold int
	mem       bytes.Buffer
	file      *os.File
	size      int64
}

// NewBuffer returns a Buffer with the given spill threshold. A threshold of
// zero or less uses DefaultThreshold.
func NewBuffer(threshold int) *Buffer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Buffer{threshold: threshold}
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.file == nil && b.mem.Len()+len(p) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	var (
		n   int
		err error
	)
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int64 {
	return b.size
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp("", "mediastore-spool-*")
	if err != nil {
		return fmt.Errorf("spool: creating temp file: %w", err)
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool: spilling buffer: %w", err)
	}
	b.mem.Reset()
	b.file = f
	return nil
}

// Reader rewinds the buffer and returns a ReadCloser over its full content.
// Closing the reader removes the backing temporary file when one exists; the
// Buffer must not be written to afterwards.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	if b.file == nil {
		return io.NopCloser(bytes.NewReader(b.mem.Bytes())), nil
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("spool: rewinding temp file: %w", err)
	}
	return &fileReader{f: b.file}, nil
}

// Close discards the buffer contents and removes the backing temp file.
func (b *Buffer) Close() error {
	b.mem.Reset()
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	b.file = nil
	return err
}

type fileReader struct {
	f *os.File
}

func (r *fileReader) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

func (r *fileReader) Close() error {
	name := r.f.Name()
	err := r.f.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
