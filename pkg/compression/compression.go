// Package compression provides the streaming codec registry shared by the
// storage server and both proxies.
//
// Codecs operate on io.Reader sources in fixed-size chunks and buffer their
// output through a spill-to-disk buffer, so arbitrarily large entities can be
// (de)compressed without holding them in memory.
package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz/lzma"

	"github.com/ltessier/mediastore/internal/spool"
)

// Supported algorithm identifiers. The empty string is the identity
// algorithm (no compression) and is always valid.
const (
	FormatGzip = "gzip"
	FormatBZ2  = "bz2"
	FormatLZMA = "lzma"
)

// ErrUnknownFormat is returned when an algorithm is not in the registry.
type ErrUnknownFormat struct {
	Format string
}

func (e *ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unsupported compression format %q", e.Format)
}

// Transform consumes a byte source and returns a reader over the transformed
// bytes. Closing the returned reader releases any disk-backed buffering.
type Transform func(src io.Reader) (io.ReadCloser, error)

// Registry maps algorithm names to streaming codecs. The set of available
// algorithms can be narrowed by configuration; lookups for anything outside
// the set fail with ErrUnknownFormat.
type Registry struct {
	allowed map[string]bool
}

var builtin = []string{FormatGzip, FormatBZ2, FormatLZMA}

// NewRegistry builds a Registry limited to the intersection of the built-in
// codecs and the given formats. An empty formats list admits every built-in
// codec.
func NewRegistry(formats []string) *Registry {
	allowed := make(map[string]bool, len(builtin))
	if len(formats) == 0 {
		for _, f := range builtin {
			allowed[f] = true
		}
		return &Registry{allowed: allowed}
	}
	requested := make(map[string]bool, len(formats))
	for _, f := range formats {
		requested[f] = true
	}
	for _, f := range builtin {
		if requested[f] {
			allowed[f] = true
		}
	}
	return &Registry{allowed: allowed}
}

// Formats enumerates the available algorithms in registry order.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.allowed))
	for _, f := range builtin {
		if r.allowed[f] {
			out = append(out, f)
		}
	}
	return out
}

// Supported reports whether algo is available. The identity algorithm
// (empty string) is always supported.
func (r *Registry) Supported(algo string) bool {
	return algo == "" || r.allowed[algo]
}

// Compressor returns the compressing transform for algo. The identity
// algorithm yields a passthrough.
func (r *Registry) Compressor(algo string) (Transform, error) {
	if algo == "" {
		return passthrough, nil
	}
	if !r.allowed[algo] {
		return nil, &ErrUnknownFormat{Format: algo}
	}
	return func(src io.Reader) (io.ReadCloser, error) {
		return pipe(src, func(dst io.Writer) (io.WriteCloser, error) {
			return newCompressingWriter(algo, dst)
		})
	}, nil
}

// Decompressor returns the decompressing transform for algo. The identity
// algorithm yields a passthrough.
func (r *Registry) Decompressor(algo string) (Transform, error) {
	if algo == "" {
		return passthrough, nil
	}
	if !r.allowed[algo] {
		return nil, &ErrUnknownFormat{Format: algo}
	}
	return func(src io.Reader) (io.ReadCloser, error) {
		wrapped, err := newDecompressingReader(algo, src)
		if err != nil {
			return nil, err
		}
		return pipeReader(wrapped)
	}, nil
}

func passthrough(src io.Reader) (io.ReadCloser, error) {
	if rc, ok := src.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(src), nil
}

func newCompressingWriter(algo string, dst io.Writer) (io.WriteCloser, error) {
	switch algo {
	case FormatGzip:
		return gzip.NewWriter(dst), nil
	case FormatBZ2:
		return bzip2.NewWriter(dst, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case FormatLZMA:
		return lzma.NewWriter(dst)
	}
	return nil, &ErrUnknownFormat{Format: algo}
}

func newDecompressingReader(algo string, src io.Reader) (io.Reader, error) {
	switch algo {
	case FormatGzip:
		return gzip.NewReader(src)
	case FormatBZ2:
		return bzip2.NewReader(src, nil)
	case FormatLZMA:
		return lzma.NewReader(src)
	}
	return nil, &ErrUnknownFormat{Format: algo}
}

// pipe copies src through a codec writer into a spool buffer and returns a
// reader over the result. Any codec error discards the partial output.
func pipe(src io.Reader, wrap func(io.Writer) (io.WriteCloser, error)) (io.ReadCloser, error) {
	buf := spool.NewBuffer(spool.DefaultThreshold)
	w, err := wrap(buf)
	if err != nil {
		buf.Close()
		return nil, err
	}
	chunk := make([]byte, spool.ChunkSize)
	if _, err := io.CopyBuffer(w, src, chunk); err != nil {
		w.Close()
		buf.Close()
		return nil, fmt.Errorf("compression: transforming stream: %w", err)
	}
	if err := w.Close(); err != nil {
		buf.Close()
		return nil, fmt.Errorf("compression: finalizing stream: %w", err)
	}
	r, err := buf.Reader()
	if err != nil {
		buf.Close()
		return nil, err
	}
	return r, nil
}

// pipeReader drains a decompressing reader into a spool buffer so that codec
// errors surface before any bytes are served.
func pipeReader(src io.Reader) (io.ReadCloser, error) {
	buf := spool.NewBuffer(spool.DefaultThreshold)
	chunk := make([]byte, spool.ChunkSize)
	if _, err := io.CopyBuffer(buf, src, chunk); err != nil {
		buf.Close()
		return nil, fmt.Errorf("compression: transforming stream: %w", err)
	}
	r, err := buf.Reader()
	if err != nil {
		buf.Close()
		return nil, err
	}
	return r, nil
}
