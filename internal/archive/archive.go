// Package archive builds and reads the tar archives every dump is shipped
// in: tar, then compression, then (optionally) DARE encryption.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rowjay/lbdump/internal/compress"
	"github.com/rowjay/lbdump/internal/cryptoutil"
)

const (
	partialSuffix = ".partial"
	// EncryptedSuffix is appended to the name of encrypted archives.
	EncryptedSuffix = ".enc"
)

// Options select the layers of an archive.
type Options struct {
	Compression string
	Compress    compress.Options
	// Key enables encryption when set (32 bytes).
	Key []byte
	// ModTime is stamped on every member so identical content gives
	// identical archives.
	ModTime time.Time
}

// Info describes a finished archive.
type Info struct {
	Path   string
	Size   int64
	SHA256 string
}

// Writer streams members into an archive. Nothing is visible at the final
// path until Commit succeeds.
type Writer struct {
	path    string
	partial string
	file    *os.File
	hash    hash.Hash
	counter *countingWriter
	layers  []io.Closer
	tw      *tar.Writer
	modTime time.Time
	done    bool
}

// Create starts an archive at path. The data goes to path+".partial"
// until Commit renames it.
func Create(ctx context.Context, path string, opts Options) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	partial := path + partialSuffix
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	w := &Writer{path: path, partial: partial, file: file, hash: sha256.New(), modTime: opts.ModTime}
	if w.modTime.IsZero() {
		w.modTime = time.Now()
	}
	w.counter = &countingWriter{w: io.MultiWriter(file, w.hash)}

	var out io.Writer = w.counter
	if len(opts.Key) > 0 {
		enc, err := cryptoutil.EncryptWriter(out, opts.Key)
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("encrypt archive: %w", err)
		}
		w.layers = append(w.layers, enc)
		out = enc
	}
	comp, err := compress.WrapWriter(ctx, opts.Compression, out, opts.Compress)
	if err != nil {
		w.Abort()
		return nil, err
	}
	w.layers = append(w.layers, comp)
	w.tw = tar.NewWriter(comp)
	return w, nil
}

// Path is the final archive path.
func (w *Writer) Path() string { return w.path }

// AddBytes adds a member holding data.
func (w *Writer) AddBytes(name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  w.modTime,
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}

// AddFile adds the file at src as member name.
func (w *Writer) AddFile(name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     st.Size(),
		ModTime:  w.modTime,
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w.tw, f); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}

// Commit closes every layer, syncs the file and moves it to its final
// path. On failure the partial file is removed.
func (w *Writer) Commit() (Info, error) {
	if w.done {
		return Info{}, errors.New("archive already closed")
	}
	if err := w.tw.Close(); err != nil {
		w.Abort()
		return Info{}, fmt.Errorf("close tar stream: %w", err)
	}
	for i := len(w.layers) - 1; i >= 0; i-- {
		if err := w.layers[i].Close(); err != nil {
			w.Abort()
			return Info{}, fmt.Errorf("close archive stream: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return Info{}, err
	}
	if err := w.file.Close(); err != nil {
		w.Abort()
		return Info{}, err
	}
	if err := os.Rename(w.partial, w.path); err != nil {
		w.Abort()
		return Info{}, fmt.Errorf("rename archive: %w", err)
	}
	w.done = true
	return Info{Path: w.path, Size: w.counter.n, SHA256: hex.EncodeToString(w.hash.Sum(nil))}, nil
}

// Abort discards the archive. It is safe to call after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	for i := len(w.layers) - 1; i >= 0; i-- {
		_ = w.layers[i].Close()
	}
	_ = w.file.Close()
	_ = os.Remove(w.partial)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ReadOptions select how an archive is opened. An empty Compression is
// detected from the file name; encryption is detected from the ".enc"
// suffix and needs Key.
type ReadOptions struct {
	Compression string
	Threads     int
	Key         []byte
}

// Extract unpacks the archive at path into dir and returns the member
// names in archive order. Members must stay inside dir.
func Extract(ctx context.Context, path, dir string, opts ReadOptions) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var in io.Reader = f
	if strings.HasSuffix(path, EncryptedSuffix) {
		if len(opts.Key) == 0 {
			return nil, fmt.Errorf("%s is encrypted and no key is configured", filepath.Base(path))
		}
		in, err = cryptoutil.DecryptReader(in, opts.Key)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", filepath.Base(path), err)
		}
	}
	kind := opts.Compression
	if kind == "" {
		kind = compress.Detect(path)
	}
	dec, err := compress.WrapReader(ctx, kind, in, compress.Options{Threads: opts.Threads})
	if err != nil {
		return nil, err
	}

	names, err := untar(ctx, dec, dir)
	if cerr := dec.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return names, nil
}

func untar(ctx context.Context, r io.Reader, dir string) ([]string, error) {
	tr := tar.NewReader(r)
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return names, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, err
		}
		if !filepath.IsLocal(hdr.Name) {
			return names, fmt.Errorf("bad member name %q", hdr.Name)
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return names, err
			}
			continue
		case tar.TypeReg:
		default:
			return names, fmt.Errorf("bad file type %c of member %q", hdr.Typeflag, hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return names, err
		}
		if err := writeFile(target, tr); err != nil {
			return names, fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		names = append(names, hdr.Name)
	}
}

func writeFile(name string, r io.Reader) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
