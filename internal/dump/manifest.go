package dump

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/tables"
)

// Archive members. Every member lives under a top directory named after
// the dump.
const (
	MemberManifest       = "MANIFEST.json"
	MemberCopying        = "COPYING"
	MemberSchemaSequence = "SCHEMA_SEQUENCE"
	MemberTimestamp      = "TIMESTAMP"
	SchemaDir            = "schema"
	DataDir              = "data"
)

// Manifest describes the content of one tier archive.
type Manifest struct {
	RunID          string            `json:"run_id"`
	DumpID         int64             `json:"dump_id"`
	DumpType       dumpname.DumpType `json:"dump_type"`
	Tier           tables.Tier       `json:"tier"`
	Dialect        string            `json:"dialect"`
	SchemaSequence int               `json:"schema_sequence"`
	Created        time.Time         `json:"created"`
	// Since and BaseID are set on incremental dumps: only rows newer than
	// Since are included, and the dump applies on top of dump BaseID.
	Since       *time.Time      `json:"since,omitempty"`
	BaseID      int64           `json:"base_id,omitempty"`
	Tables      []TableManifest `json:"tables"`
	Skipped     []string        `json:"skipped,omitempty"`
	ToolVersion string          `json:"tool_version"`
}

type TableManifest struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    int64    `json:"rows"`
}

// Table returns the manifest entry of name.
func (m Manifest) Table(name string) (TableManifest, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableManifest{}, false
}

// ReadManifest decodes a MANIFEST.json file.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

const publicCopying = `The data in this archive is made available under the
Creative Commons CC0 1.0 Universal Public Domain Dedication.
https://creativecommons.org/publicdomain/zero/1.0/
`

const privateCopying = `This archive contains private user data.
It must not be redistributed and may only be used to restore the service
it was taken from.
`

func copying(tier tables.Tier) []byte {
	if tier == tables.Private {
		return []byte(privateCopying)
	}
	return []byte(publicCopying)
}
