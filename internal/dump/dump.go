// Package dump produces the public and private archives of a database
// dump and records it in the ledger.
package dump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rowjay/lbdump/internal/archive"
	"github.com/rowjay/lbdump/internal/compress"
	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/export"
	"github.com/rowjay/lbdump/internal/ledger"
	"github.com/rowjay/lbdump/internal/tables"
	"github.com/rowjay/lbdump/internal/version"
)

// Destinations are the directories the tier archives are written to.
type Destinations struct {
	Public  string
	Private string
}

// Dir returns the destination of tier.
func (d Destinations) Dir(tier tables.Tier) string {
	if tier == tables.Private {
		return d.Private
	}
	return d.Public
}

// Result holds the paths of the archives of one dump.
type Result struct {
	ID      int64
	RunID   string
	Name    string
	Public  string
	Private string
}

// Options configure the archives.
type Options struct {
	Prefix      string
	Compression string
	Compress    compress.Options
	// Key encrypts the private archive when set.
	Key     []byte
	TempDir string
}

type Dumper struct {
	Store    db.Store
	Ledger   *ledger.Ledger
	Exporter *export.Exporter
	Registry tables.Registry
	Options  Options
	Log      zerolog.Logger
}

func New(store db.Store, registry tables.Registry, opts Options, log zerolog.Logger) *Dumper {
	return &Dumper{
		Store:    store,
		Ledger:   ledger.New(store),
		Exporter: export.New(store, log),
		Registry: registry,
		Options:  opts,
		Log:      log,
	}
}

// ArchivePath returns where the archive of tier for dump name goes.
func (d *Dumper) ArchivePath(dest Destinations, tier tables.Tier, name string) string {
	file := name + "." + string(tier) + ".tar" + compress.Extension(d.Options.Compression)
	if tier == tables.Private && len(d.Options.Key) > 0 {
		file += archive.EncryptedSuffix
	}
	return filepath.Join(dest.Dir(tier), file)
}

// DumpDatabase records a dump of dumpType in the ledger and writes its
// public and private archives. Both archives exist when it returns nil;
// on error neither is left behind. The ledger entry is kept either way.
func (d *Dumper) DumpDatabase(ctx context.Context, dumpType dumpname.DumpType, dest Destinations, now time.Time) (Result, error) {
	if err := d.Registry.Validate(); err != nil {
		return Result{}, err
	}
	now = now.UTC()

	var (
		since  *time.Time
		baseID int64
	)
	if dumpType == dumpname.Incremental {
		prev, err := d.Ledger.Last(ctx, "")
		if errors.Is(err, ledger.ErrNoEntries) {
			return Result{}, errors.New("incremental dump needs a previous dump in the ledger")
		}
		if err != nil {
			return Result{}, err
		}
		since = &prev.Created
		baseID = prev.ID
	}

	id, err := d.Ledger.AddEntry(ctx, now, dumpType)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		ID:    id,
		RunID: uuid.NewString(),
		Name:  dumpname.FormatWithID(d.Options.Prefix, id, now, string(dumpType)),
	}
	log := d.Log.With().Int64("dump_id", id).Str("run_id", res.RunID).Str("dump_type", string(dumpType)).Logger()
	log.Info().Msg("dump started")

	var written []string
	for _, tier := range tables.Tiers {
		base := Manifest{
			RunID:          res.RunID,
			DumpID:         id,
			DumpType:       dumpType,
			Tier:           tier,
			Dialect:        d.Store.Name(),
			SchemaSequence: db.SchemaSequence,
			Created:        now,
			Since:          since,
			BaseID:         baseID,
			ToolVersion:    version.Version,
		}
		p, err := d.writeTier(ctx, log, base, d.ArchivePath(dest, tier, res.Name), res.Name)
		if err != nil {
			for _, w := range written {
				_ = os.Remove(w)
				_ = os.Remove(archive.ChecksumPath(w))
			}
			log.Error().Err(err).Str("tier", string(tier)).Msg("dump failed")
			return Result{}, err
		}
		written = append(written, p)
		if tier == tables.Private {
			res.Private = p
		} else {
			res.Public = p
		}
	}
	log.Info().Str("public", res.Public).Str("private", res.Private).Msg("dump finished")
	return res, nil
}

func (d *Dumper) writeTier(ctx context.Context, log zerolog.Logger, m Manifest, target, name string) (string, error) {
	staging, err := os.MkdirTemp(d.Options.TempDir, "lbdump-"+string(m.Tier)+"-")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	var exported []tables.Table
	for _, t := range d.Registry.Tier(m.Tier) {
		var filter *db.Filter
		if m.Since != nil {
			if !t.Incremental() {
				m.Skipped = append(m.Skipped, t.Name)
				continue
			}
			filter = &db.Filter{Column: t.SinceColumn, After: *m.Since}
		}
		rows, err := d.Exporter.Export(ctx, t, staging, filter)
		if err != nil {
			return "", err
		}
		m.Tables = append(m.Tables, TableManifest{Name: t.Name, Columns: t.Columns, Rows: rows})
		exported = append(exported, t)
	}

	var key []byte
	if m.Tier == tables.Private {
		key = d.Options.Key
	}
	w, err := archive.Create(ctx, target, archive.Options{
		Compression: d.Options.Compression,
		Compress:    d.Options.Compress,
		Key:         key,
		ModTime:     m.Created,
	})
	if err != nil {
		return "", err
	}
	defer w.Abort()

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	members := []struct {
		name string
		data []byte
	}{
		{MemberManifest, manifest},
		{MemberCopying, copying(m.Tier)},
		{MemberSchemaSequence, []byte(strconv.Itoa(m.SchemaSequence))},
		{MemberTimestamp, []byte(m.Created.Format("2006-01-02 15:04:05"))},
	}
	for _, mem := range members {
		if err := w.AddBytes(path.Join(name, mem.name), mem.data); err != nil {
			return "", err
		}
	}
	for _, t := range exported {
		ddl, err := db.TableDDL(m.Dialect, t.Name)
		if err != nil {
			return "", err
		}
		if err := w.AddBytes(path.Join(name, SchemaDir, t.Name+".sql"), []byte(ddl+";\n")); err != nil {
			return "", err
		}
		if err := w.AddFile(path.Join(name, DataDir, t.Name), export.Path(staging, t)); err != nil {
			return "", err
		}
	}

	info, err := w.Commit()
	if err != nil {
		return "", err
	}
	if _, err := archive.WriteChecksum(info); err != nil {
		_ = os.Remove(info.Path)
		return "", err
	}
	log.Info().
		Str("tier", string(m.Tier)).
		Str("path", info.Path).
		Str("size", humanize.Bytes(uint64(info.Size))).
		Int("tables", len(m.Tables)).
		Strs("skipped", m.Skipped).
		Msg("archive written")
	return info.Path, nil
}
