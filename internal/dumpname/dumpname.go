// Package dumpname parses and builds the canonical dump file names.
//
// Two hyphen delimited layouts exist:
//
//	<prefix>-dump-<id>-<YYYYMMDD>-<HHMMSS>-<suffix>   (WithID)
//	<prefix>-<label>-<YYYYMMDD>-<HHMMSS>-<suffix>     (WithoutID)
//
// Both are strict: a name with the wrong number of segments or an
// unparsable date is rejected, never defaulted.
package dumpname

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// TimeFormat is the human form of the date/time segments.
	TimeFormat = "YYYYMMDD-HHMMSS"
	timeLayout = "20060102-150405"

	withIDSegments    = 6
	withoutIDSegments = 5
)

// DumpType is the kind of database dump a ledger entry records.
type DumpType string

const (
	Full        DumpType = "full"
	Incremental DumpType = "incremental"
)

// ParseDumpType accepts "full" or "incremental" in any case.
func ParseDumpType(v string) (DumpType, error) {
	switch DumpType(strings.ToLower(strings.TrimSpace(v))) {
	case Full:
		return Full, nil
	case Incremental:
		return Incremental, nil
	default:
		return "", fmt.Errorf("unsupported dump type: %q", v)
	}
}

// FormatError reports a name that does not follow one of the layouts.
type FormatError struct {
	Name   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("dump name %q: %s", e.Name, e.Reason)
}

// ParseWithID parses <prefix>-dump-<id>-<YYYYMMDD>-<HHMMSS>-<suffix>.
func ParseWithID(name string) (int64, time.Time, error) {
	parts := strings.Split(name, "-")
	if len(parts) != withIDSegments {
		return 0, time.Time{}, &FormatError{Name: name, Reason: fmt.Sprintf("expected to have %d segments, got %d", withIDSegments, len(parts))}
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id < 0 || strings.HasPrefix(parts[2], "+") {
		return 0, time.Time{}, &FormatError{Name: name, Reason: fmt.Sprintf("id %q does not match format <non-negative integer>", parts[2])}
	}
	ts, err := parseTime(name, parts[3]+"-"+parts[4])
	if err != nil {
		return 0, time.Time{}, err
	}
	return id, ts, nil
}

// ParseWithoutID parses <prefix>-<label>-<YYYYMMDD>-<HHMMSS>-<suffix> and
// returns the raw "YYYYMMDD-HHMMSS" text together with the parsed time.
func ParseWithoutID(name string) (string, time.Time, error) {
	parts := strings.Split(name, "-")
	if len(parts) != withoutIDSegments {
		return "", time.Time{}, &FormatError{Name: name, Reason: fmt.Sprintf("expected to have %d segments, got %d", withoutIDSegments, len(parts))}
	}
	raw := parts[2] + "-" + parts[3]
	ts, err := parseTime(name, raw)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, ts, nil
}

func parseTime(name, raw string) (time.Time, error) {
	ts, err := time.ParseInLocation(timeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, &FormatError{Name: name, Reason: fmt.Sprintf("time %q does not match format %s", raw, TimeFormat)}
	}
	return ts, nil
}

// FormatWithID builds a WithID name. The time is rendered in UTC.
func FormatWithID(prefix string, id int64, when time.Time, suffix string) string {
	return fmt.Sprintf("%s-dump-%d-%s-%s", prefix, id, when.UTC().Format(timeLayout), suffix)
}

// FormatWithoutID builds a WithoutID name. The time is rendered in UTC.
func FormatWithoutID(prefix, label string, when time.Time, suffix string) string {
	return fmt.Sprintf("%s-%s-%s-%s", prefix, label, when.UTC().Format(timeLayout), suffix)
}

// Base strips the directory and every extension from a file name, so
// "/dumps/lb-dump-7-20240101-000000-full.public.tar.zst" becomes
// "lb-dump-7-20240101-000000-full".
func Base(path string) string {
	base := filepath.Base(path)
	if idx := strings.IndexByte(base, '.'); idx > 0 {
		return base[:idx]
	}
	return base
}

// ValidSegment reports whether v can be used as a prefix, label or
// suffix without breaking the layouts.
func ValidSegment(v string) bool {
	return v != "" && !strings.ContainsAny(v, "-./\\ ")
}
