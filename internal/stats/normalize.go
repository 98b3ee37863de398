package stats

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/juju/schema"
)

// Types lists the statistics types in dump order.
var Types = []string{"artists", "recordings", "releases", "daily_activity", "listening_activity"}

// Record is one validated statistics line of a dump member.
type Record struct {
	UserID      int64           `json:"user_id"`
	Data        json.RawMessage `json:"data"`
	FromTS      int64           `json:"from_ts"`
	ToTS        int64           `json:"to_ts"`
	LastUpdated int64           `json:"last_updated"`
}

// ValidationError reports a row whose payload does not match its type.
// Such rows are skipped, they never fail a dump.
type ValidationError struct {
	StatType  string
	StatRange string
	UserID    int64
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s_%s entry for user %d: %v", e.StatType, e.StatRange, e.UserID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func entityList(fields schema.Fields, defaults schema.Defaults) schema.Checker {
	return schema.List(schema.FieldMap(fields, defaults))
}

var checkers = map[string]schema.Checker{
	"artists": entityList(
		schema.Fields{
			"artist_name":  schema.String(),
			"artist_mbid":  schema.String(),
			"listen_count": schema.Int(),
		},
		schema.Defaults{"artist_mbid": schema.Omit},
	),
	"recordings": entityList(
		schema.Fields{
			"track_name":     schema.String(),
			"artist_name":    schema.String(),
			"release_name":   schema.String(),
			"recording_mbid": schema.String(),
			"listen_count":   schema.Int(),
		},
		schema.Defaults{"release_name": schema.Omit, "recording_mbid": schema.Omit},
	),
	"releases": entityList(
		schema.Fields{
			"release_name": schema.String(),
			"artist_name":  schema.String(),
			"release_mbid": schema.String(),
			"listen_count": schema.Int(),
		},
		schema.Defaults{"release_mbid": schema.Omit},
	),
	"daily_activity": entityList(
		schema.Fields{
			"day":          schema.String(),
			"hour":         schema.Int(),
			"listen_count": schema.Int(),
		},
		schema.Defaults{},
	),
	"listening_activity": entityList(
		schema.Fields{
			"time_range":   schema.String(),
			"from_ts":      schema.Int(),
			"to_ts":        schema.Int(),
			"listen_count": schema.Int(),
		},
		schema.Defaults{},
	),
}

// Normalize validates a raw row of statType and turns it into a Record.
// The payload is checked against the declared fields of statType and then
// kept as the source wrote it, extra fields included. Any problem is
// reported as *ValidationError.
func Normalize(statType, statRange string, raw RawRow) (Record, error) {
	invalid := func(err error) (Record, error) {
		return Record{}, &ValidationError{StatType: statType, StatRange: statRange, UserID: raw.UserID, Err: err}
	}
	checker, ok := checkers[statType]
	if !ok {
		return invalid(fmt.Errorf("unknown statistics type %q", statType))
	}
	if raw.UserID <= 0 {
		return invalid(fmt.Errorf("user id must be positive"))
	}
	if raw.FromTS > raw.ToTS {
		return invalid(fmt.Errorf("from_ts %d is after to_ts %d", raw.FromTS, raw.ToTS))
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Data))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return invalid(fmt.Errorf("decode data: %w", err))
	}
	if _, err := checker.Coerce(plain(payload), []string{statType}); err != nil {
		return invalid(err)
	}
	var data bytes.Buffer
	if err := json.Compact(&data, raw.Data); err != nil {
		return invalid(fmt.Errorf("compact data: %w", err))
	}
	return Record{UserID: raw.UserID, Data: data.Bytes(), FromTS: raw.FromTS, ToTS: raw.ToTS}, nil
}

// plain prepares decoded JSON for the checkers: integral numbers become
// int64, other numbers float64, and null object members are removed so
// optional fields can be omitted.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if e == nil {
				continue
			}
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}
