package compress

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	TypeNone         = "none"
	TypeGzip         = "gzip"
	TypeZstd         = "zstd"
	TypeZstdExternal = "zstd-external" // the zstd binary, run as a child process
)

// Options tune an engine. Zero values select the engine defaults.
type Options struct {
	Level   int
	Threads int
}

// Extension returns the file extension of an engine's output, including
// the leading dot.
func Extension(kind string) string {
	switch kind {
	case TypeGzip:
		return ".gz"
	case TypeZstd, TypeZstdExternal:
		return ".zst"
	default:
		return ""
	}
}

// Detect guesses the engine that produced name from its extension.
func Detect(name string) string {
	name = strings.TrimSuffix(name, ".enc")
	switch {
	case strings.HasSuffix(name, ".zst"):
		return TypeZstd
	case strings.HasSuffix(name, ".gz"):
		return TypeGzip
	default:
		return TypeNone
	}
}

// WrapWriter returns a writer compressing into w. Close flushes the
// stream; it does not close w.
func WrapWriter(ctx context.Context, kind string, w io.Writer, opts Options) (io.WriteCloser, error) {
	switch kind {
	case "", TypeNone:
		return nopWriteCloser{w}, nil
	case TypeGzip:
		if opts.Level == 0 {
			return gzip.NewWriter(w), nil
		}
		return gzip.NewWriterLevel(w, opts.Level)
	case TypeZstd:
		encOpts := []zstd.EOption{}
		if opts.Level > 0 {
			encOpts = append(encOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)))
		}
		if opts.Threads > 0 {
			encOpts = append(encOpts, zstd.WithEncoderConcurrency(opts.Threads))
		}
		return zstd.NewWriter(w, encOpts...)
	case TypeZstdExternal:
		return newExternalWriter(ctx, w, opts)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// WrapReader returns a reader decompressing r.
func WrapReader(ctx context.Context, kind string, r io.Reader, opts Options) (io.ReadCloser, error) {
	switch kind {
	case "", TypeNone:
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		decOpts := []zstd.DOption{}
		if opts.Threads > 0 {
			decOpts = append(decOpts, zstd.WithDecoderConcurrency(opts.Threads))
		}
		dec, err := zstd.NewReader(r, decOpts...)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	case TypeZstdExternal:
		return newExternalReader(ctx, r, opts)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
