// Package tables holds the static classification of exported tables into
// the public and private tiers.
package tables

import (
	"fmt"
	"slices"
)

// Tier selects one of the two archives of a database dump.
type Tier string

const (
	Public  Tier = "public"
	Private Tier = "private"
)

// Tiers lists the tiers in restore order.
var Tiers = []Tier{Private, Public}

// ParseTier accepts "public" or "private".
func ParseTier(v string) (Tier, error) {
	switch Tier(v) {
	case Public, Private:
		return Tier(v), nil
	default:
		return "", fmt.Errorf("unknown tier %q", v)
	}
}

// Table describes one exported table. Columns are exported and restored
// in the declared order.
type Table struct {
	Name    string
	Columns []string
	// References lists the tables this table's foreign keys point to.
	References []string
	// SinceColumn is the timestamp column incremental dumps filter on.
	// Tables without one are only part of full dumps.
	SinceColumn string
	// Sequence is the generated id column advanced after a restore.
	Sequence string
}

// Incremental reports whether the table takes part in incremental dumps.
func (t Table) Incremental() bool { return t.SinceColumn != "" }

// Registry is the static tier classification. A table may appear in both
// tiers with different column sets.
type Registry struct {
	Private []Table
	Public  []Table
}

// Default returns the registry of the bundled schema.
func Default() Registry {
	return Registry{
		Private: []Table{
			{
				Name: "user",
				Columns: []string{
					"id", "created", "musicbrainz_id", "musicbrainz_row_id",
					"auth_token", "last_login", "email", "gdpr_agreed", "is_paused",
				},
				SinceColumn: "created",
				Sequence:    "id",
			},
			{
				Name:        "data_dump",
				Columns:     []string{"id", "created", "dump_type"},
				SinceColumn: "created",
				Sequence:    "id",
			},
			{
				Name:       "user_setting",
				Columns:    []string{"id", "user_id", "timezone_name", "brainzplayer"},
				References: []string{"user"},
				Sequence:   "id",
			},
			{
				Name: "external_service_oauth",
				Columns: []string{
					"id", "user_id", "service", "access_token", "refresh_token",
					"token_expires", "last_updated", "scopes",
				},
				References: []string{"user"},
				Sequence:   "id",
			},
		},
		Public: []Table{
			{
				Name:        "user",
				Columns:     []string{"id", "created", "musicbrainz_id", "musicbrainz_row_id"},
				SinceColumn: "created",
				Sequence:    "id",
			},
			{
				Name:        "recording_feedback",
				Columns:     []string{"id", "user_id", "recording_msid", "recording_mbid", "score", "created"},
				References:  []string{"user"},
				SinceColumn: "created",
				Sequence:    "id",
			},
			{
				Name: "pinned_recording",
				Columns: []string{
					"id", "user_id", "recording_msid", "recording_mbid",
					"blurb_content", "pinned_until", "created",
				},
				References:  []string{"user"},
				SinceColumn: "created",
				Sequence:    "id",
			},
			{
				Name:        "user_relationship",
				Columns:     []string{"user_0", "user_1", "relationship_type", "created"},
				References:  []string{"user"},
				SinceColumn: "created",
			},
		},
	}
}

// Tier returns the tables of one tier.
func (r Registry) Tier(tier Tier) []Table {
	if tier == Private {
		return r.Private
	}
	return r.Public
}

// Lookup finds a table of a tier by name.
func (r Registry) Lookup(tier Tier, name string) (Table, bool) {
	for _, t := range r.Tier(tier) {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Validate checks the registry for mistakes that would only show up at
// restore time. The private tier must be restorable on its own, so a
// private table may only reference other private tables.
func (r Registry) Validate() error {
	for _, tier := range Tiers {
		seen := map[string]bool{}
		for _, t := range r.Tier(tier) {
			if t.Name == "" || len(t.Columns) == 0 {
				return fmt.Errorf("%s tier: table %q has no name or columns", tier, t.Name)
			}
			if seen[t.Name] {
				return fmt.Errorf("%s tier: table %q listed twice", tier, t.Name)
			}
			seen[t.Name] = true
			if t.SinceColumn != "" && !slices.Contains(t.Columns, t.SinceColumn) {
				return fmt.Errorf("%s tier: %s: since column %q is not exported", tier, t.Name, t.SinceColumn)
			}
			if t.Sequence != "" && !slices.Contains(t.Columns, t.Sequence) {
				return fmt.Errorf("%s tier: %s: sequence column %q is not exported", tier, t.Name, t.Sequence)
			}
		}
		for _, t := range r.Tier(tier) {
			for _, ref := range t.References {
				if ref == t.Name || seen[ref] {
					continue
				}
				if tier == Public {
					if _, ok := r.Lookup(Private, ref); ok {
						continue
					}
				}
				return fmt.Errorf("%s tier: %s references %q which is not in the %s tier", tier, t.Name, ref, tier)
			}
		}
	}
	if _, err := Levels(r.Private); err != nil {
		return err
	}
	_, err := Levels(r.Public)
	return err
}

// Levels groups tables into foreign-key levels: every table only
// references tables of earlier levels. References to tables outside the
// given set are ignored, those are expected to be loaded already. Within
// a level the input order is kept.
func Levels(tables []Table) ([][]Table, error) {
	index := make(map[string]int, len(tables))
	for i, t := range tables {
		index[t.Name] = i
	}
	level := make([]int, len(tables))
	done := make([]bool, len(tables))
	remaining := len(tables)
	for depth := 0; remaining > 0; depth++ {
		var ready []int
		for i, t := range tables {
			if done[i] {
				continue
			}
			ok := true
			for _, ref := range t.References {
				j, inSet := index[ref]
				if !inSet || j == i {
					continue
				}
				if !done[j] || level[j] >= depth {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for i, t := range tables {
				if !done[i] {
					stuck = append(stuck, t.Name)
				}
			}
			return nil, fmt.Errorf("foreign key cycle between tables %v", stuck)
		}
		for _, i := range ready {
			done[i] = true
			level[i] = depth
		}
		remaining -= len(ready)
	}

	var out [][]Table
	for i, t := range tables {
		for len(out) <= level[i] {
			out = append(out, nil)
		}
		out[level[i]] = append(out[level[i]], t)
	}
	return out, nil
}
