// Package stats dumps the pre-aggregated statistics matrix into one
// compressed archive: one JSON-lines member per (type, range) pair.
package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/rowjay/lbdump/internal/archive"
	"github.com/rowjay/lbdump/internal/compress"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/export"
)

const (
	label  = "stats"
	suffix = "full"
)

// Exporter writes statistics dumps.
type Exporter struct {
	Source      Source
	Ranges      []string
	Prefix      string
	Compression string
	Compress    compress.Options
	TempDir     string
	Log         zerolog.Logger
}

// MemberName is the archive member of a (type, range) pair.
func MemberName(statType, statRange string) string {
	return statType + "_" + statRange + ".jsonl"
}

// CreateDump writes the statistics archive into outputDir and returns its
// path. Every (type, range) pair gets a member, empty when the source has
// no rows for it. Rows that fail validation are logged and skipped; a
// source failure aborts the dump with export.ErrExport.
func (e *Exporter) CreateDump(ctx context.Context, outputDir string, now time.Time) (string, error) {
	name := dumpname.FormatWithoutID(e.Prefix, label, now, suffix)
	path := filepath.Join(outputDir, name+".tar"+compress.Extension(e.Compression))

	staging, err := os.MkdirTemp(e.TempDir, "lbdump-stats-")
	if err != nil {
		return "", fmt.Errorf("%w: create staging directory: %w", export.ErrExport, err)
	}
	defer os.RemoveAll(staging)

	w, err := archive.Create(ctx, path, archive.Options{
		Compression: e.Compression,
		Compress:    e.Compress,
		ModTime:     now,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", export.ErrExport, err)
	}
	defer w.Abort()

	if err := w.AddBytes("TIMESTAMP", []byte(now.UTC().Format(time.RFC3339))); err != nil {
		return "", fmt.Errorf("%w: %w", export.ErrExport, err)
	}

	lastUpdated := now.Unix()
	var total, skipped int64
	for _, statType := range Types {
		for _, statRange := range e.Ranges {
			member := MemberName(statType, statRange)
			file := filepath.Join(staging, member)
			written, invalid, err := e.writeMember(ctx, file, statType, statRange, lastUpdated)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %w", export.ErrExport, member, err)
			}
			if err := w.AddFile(member, file); err != nil {
				return "", fmt.Errorf("%w: %w", export.ErrExport, err)
			}
			if err := os.Remove(file); err != nil {
				return "", fmt.Errorf("%w: %w", export.ErrExport, err)
			}
			total += written
			skipped += invalid
		}
	}

	info, err := w.Commit()
	if err != nil {
		return "", fmt.Errorf("%w: %w", export.ErrExport, err)
	}
	if _, err := archive.WriteChecksum(info); err != nil {
		return "", fmt.Errorf("%w: %w", export.ErrExport, err)
	}
	e.Log.Info().
		Str("path", info.Path).
		Str("size", humanize.Bytes(uint64(info.Size))).
		Int64("records", total).
		Int64("skipped", skipped).
		Msg("statistics dump created")
	return info.Path, nil
}

func (e *Exporter) writeMember(ctx context.Context, path, statType, statRange string, lastUpdated int64) (written, invalid int64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)

	for raw, err := range e.Source.Rows(ctx, statType, statRange) {
		if err != nil {
			return written, invalid, err
		}
		rec, err := Normalize(statType, statRange, raw)
		if err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				return written, invalid, err
			}
			e.Log.Error().Err(err).Str("stat_type", statType).Str("stat_range", statRange).
				Int64("user_id", raw.UserID).Msg("skipping invalid statistics entry")
			invalid++
			continue
		}
		rec.LastUpdated = lastUpdated
		if err := enc.Encode(rec); err != nil {
			return written, invalid, err
		}
		written++
	}
	if err := bw.Flush(); err != nil {
		return written, invalid, err
	}
	return written, invalid, f.Close()
}
