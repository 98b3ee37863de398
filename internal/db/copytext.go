package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// The flat table files use the PostgreSQL COPY text format: one row per
// line, tab separated columns, \N for NULL and backslash escapes for the
// characters that would break the line structure.

const nullField = `\N`

var copyEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\t", `\t`,
	"\n", `\n`,
	"\r", `\r`,
)

// EncodeField escapes one non-NULL column value.
func EncodeField(v string) string {
	return copyEscaper.Replace(v)
}

// RowWriter writes rows in COPY text format.
type RowWriter struct {
	w    *bufio.Writer
	rows int64
}

func NewRowWriter(w io.Writer) *RowWriter {
	return &RowWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

// WriteRow writes one line. A nil entry is written as NULL.
func (rw *RowWriter) WriteRow(fields []*string) error {
	for i, f := range fields {
		if i > 0 {
			if err := rw.w.WriteByte('\t'); err != nil {
				return err
			}
		}
		v := nullField
		if f != nil {
			v = EncodeField(*f)
		}
		if _, err := rw.w.WriteString(v); err != nil {
			return err
		}
	}
	if err := rw.w.WriteByte('\n'); err != nil {
		return err
	}
	rw.rows++
	return nil
}

func (rw *RowWriter) Rows() int64 { return rw.rows }

func (rw *RowWriter) Flush() error { return rw.w.Flush() }

// RowReader reads rows written by RowWriter (or by COPY ... TO STDOUT).
type RowReader struct {
	r    *bufio.Reader
	line int64
}

func NewRowReader(r io.Reader) *RowReader {
	return &RowReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the fields of the next row, nil entries being NULL. It
// returns io.EOF after the last row.
func (rr *RowReader) Next() ([]*string, error) {
	line, err := rr.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	rr.line++
	line = strings.TrimSuffix(line, "\n")
	if line == `\.` {
		return nil, io.EOF
	}
	raw := strings.Split(line, "\t")
	fields := make([]*string, len(raw))
	for i, f := range raw {
		if f == nullField {
			continue
		}
		v, err := decodeField(f)
		if err != nil {
			return nil, fmt.Errorf("line %d column %d: %w", rr.line, i+1, err)
		}
		fields[i] = &v
	}
	return fields, nil
}

func decodeField(f string) (string, error) {
	if !strings.ContainsRune(f, '\\') {
		return f, nil
	}
	var b strings.Builder
	b.Grow(len(f))
	for i := 0; i < len(f); i++ {
		c := f[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(f) {
			return "", errors.New("dangling escape")
		}
		switch f[i] {
		case '\\':
			b.WriteByte('\\')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		default:
			b.WriteByte(f[i])
		}
	}
	return b.String(), nil
}
