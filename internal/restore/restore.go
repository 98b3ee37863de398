// Package restore loads dump archives back into an empty store.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/lbdump/internal/archive"
	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/dump"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/tables"
)

var (
	// ErrImport wraps every import failure. The store is left unchanged.
	ErrImport = errors.New("import failed")
	// ErrTargetNotEmpty is returned when a table to restore already has
	// rows.
	ErrTargetNotEmpty = errors.New("target table is not empty")
)

// Request names the archives to restore. An empty base path means there
// is no incremental base for that tier.
type Request struct {
	PrivatePath     string
	PrivateBasePath string
	PublicPath      string
	PublicBasePath  string
	Threads         int
}

type TableSummary struct {
	Name string
	Rows int64
}

type ArchiveSummary struct {
	Path     string
	Tier     tables.Tier
	DumpID   int64
	DumpType dumpname.DumpType
	Tables   []TableSummary
	// Skipped lists tables already restored from the private tier.
	Skipped []string
}

type Summary struct {
	Archives []ArchiveSummary
}

// Rows is the number of rows restored.
func (s Summary) Rows() int64 {
	var n int64
	for _, a := range s.Archives {
		for _, t := range a.Tables {
			n += t.Rows
		}
	}
	return n
}

type Importer struct {
	Store    db.Store
	Registry tables.Registry
	// Key decrypts encrypted private archives.
	Key     []byte
	TempDir string
	Log     zerolog.Logger
}

func New(store db.Store, registry tables.Registry, log zerolog.Logger) *Importer {
	return &Importer{Store: store, Registry: registry, Log: log}
}

// payload is one extracted archive.
type payload struct {
	path     string
	tier     tables.Tier
	base     bool
	root     string
	manifest dump.Manifest
	load     []tables.Table
	skipped  []string
}

func (p *payload) dataFile(table string) string {
	return filepath.Join(p.root, dump.DataDir, table)
}

func (p *payload) schemaFile(table string) string {
	return filepath.Join(p.root, dump.SchemaDir, table+".sql")
}

// Import restores the requested archives in the order private base,
// private, public base, public. Everything is applied in one transaction:
// either every archive is restored or the store is left unchanged. The
// tables to restore must be empty. Tables of one foreign-key level are
// loaded by up to Threads workers; the result does not depend on it.
func (im *Importer) Import(ctx context.Context, req Request) (Summary, error) {
	sum, err := im.run(ctx, req)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrImport, err)
	}
	return sum, nil
}

func (im *Importer) run(ctx context.Context, req Request) (Summary, error) {
	if err := im.Registry.Validate(); err != nil {
		return Summary{}, err
	}
	threads := req.Threads
	if threads < 1 {
		threads = 1
	}

	planned := []payload{
		{path: req.PrivateBasePath, tier: tables.Private, base: true},
		{path: req.PrivatePath, tier: tables.Private},
		{path: req.PublicBasePath, tier: tables.Public, base: true},
		{path: req.PublicPath, tier: tables.Public},
	}
	var payloads []*payload
	for i := range planned {
		if planned[i].path != "" {
			payloads = append(payloads, &planned[i])
		}
	}
	if len(payloads) == 0 {
		return Summary{}, errors.New("no archive to import")
	}

	staging, err := os.MkdirTemp(im.TempDir, "lbdump-import-")
	if err != nil {
		return Summary{}, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for i, p := range payloads {
		if err := im.unpack(ctx, p, filepath.Join(staging, fmt.Sprintf("%d-%s", i, p.tier)), threads); err != nil {
			return Summary{}, err
		}
	}
	if err := checkChain(payloads); err != nil {
		return Summary{}, err
	}
	if req.PrivatePath != "" && req.PublicPath != "" && planned[1].manifest.DumpID != planned[3].manifest.DumpID {
		im.Log.Warn().Msg("private and public archives come from different dumps")
	}
	if err := im.plan(payloads); err != nil {
		return Summary{}, err
	}

	err = im.Store.Load(ctx, func(ctx context.Context, l db.Loader) error {
		return im.apply(ctx, l, payloads, threads)
	})
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, p := range payloads {
		as := ArchiveSummary{Path: p.path, Tier: p.tier, DumpID: p.manifest.DumpID, DumpType: p.manifest.DumpType, Skipped: p.skipped}
		for _, t := range p.load {
			tm, _ := p.manifest.Table(t.Name)
			as.Tables = append(as.Tables, TableSummary{Name: t.Name, Rows: tm.Rows})
		}
		sum.Archives = append(sum.Archives, as)
	}
	im.Log.Info().Int("archives", len(sum.Archives)).Int64("rows", sum.Rows()).Int("threads", threads).Msg("import finished")
	return sum, nil
}

// unpack verifies, extracts and checks one archive.
func (im *Importer) unpack(ctx context.Context, p *payload, dir string, threads int) error {
	name := filepath.Base(p.path)
	if found, err := archive.VerifyChecksum(p.path); err != nil {
		return err
	} else if !found {
		im.Log.Warn().Str("path", p.path).Msg("no checksum file, skipping verification")
	}
	members, err := archive.Extract(ctx, p.path, dir, archive.ReadOptions{Threads: threads, Key: im.Key})
	if err != nil {
		return err
	}
	manifest := ""
	for _, m := range members {
		if path.Base(m) == dump.MemberManifest && strings.Count(m, "/") <= 1 {
			manifest = m
			break
		}
	}
	if manifest == "" {
		return fmt.Errorf("%s: no %s member", name, dump.MemberManifest)
	}
	p.root = filepath.Join(dir, filepath.FromSlash(path.Dir(manifest)))
	if p.manifest, err = dump.ReadManifest(filepath.Join(dir, filepath.FromSlash(manifest))); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	m := p.manifest
	switch {
	case m.Tier != p.tier:
		return fmt.Errorf("%s: expected a %s archive, got %s", name, p.tier, m.Tier)
	case m.Dialect != im.Store.Name():
		return fmt.Errorf("%s: archive was taken from %s, target is %s", name, m.Dialect, im.Store.Name())
	case m.SchemaSequence != db.SchemaSequence:
		return fmt.Errorf("%s: schema sequence %d does not match %d", name, m.SchemaSequence, db.SchemaSequence)
	}
	return nil
}

// checkChain makes sure every archive that follows a base of its tier is
// the incremental dump taken after that base, and that archives without a
// base are full dumps.
func checkChain(payloads []*payload) error {
	var base *payload
	for _, p := range payloads {
		if p.base {
			if p.manifest.DumpType != dumpname.Full {
				return fmt.Errorf("%s: a base archive must be a full dump", filepath.Base(p.path))
			}
			base = p
			continue
		}
		if base != nil && base.tier == p.tier {
			if p.manifest.DumpType != dumpname.Incremental {
				return fmt.Errorf("%s: an archive applied on a base must be incremental", filepath.Base(p.path))
			}
			if p.manifest.BaseID != base.manifest.DumpID {
				return fmt.Errorf("%s: dump %d follows dump %d, not base dump %d", filepath.Base(p.path), p.manifest.DumpID, p.manifest.BaseID, base.manifest.DumpID)
			}
		} else if p.manifest.DumpType == dumpname.Incremental {
			return fmt.Errorf("%s: incremental archive needs a base archive", filepath.Base(p.path))
		}
		base = nil
	}
	return nil
}

// plan picks the tables each archive loads. Public tables already
// restored from the private tier are skipped.
func (im *Importer) plan(payloads []*payload) error {
	fromPrivate := map[string]bool{}
	for _, p := range payloads {
		for _, tm := range p.manifest.Tables {
			if p.tier == tables.Public && fromPrivate[tm.Name] {
				p.skipped = append(p.skipped, tm.Name)
				continue
			}
			t, ok := im.Registry.Lookup(p.tier, tm.Name)
			if !ok {
				return fmt.Errorf("%s: unknown %s table %q", filepath.Base(p.path), p.tier, tm.Name)
			}
			t.Columns = tm.Columns
			p.load = append(p.load, t)
			if _, err := os.Stat(p.dataFile(t.Name)); err != nil {
				return fmt.Errorf("%s: data of %s: %w", filepath.Base(p.path), t.Name, err)
			}
		}
		if p.tier == tables.Private {
			for _, t := range p.load {
				fromPrivate[t.Name] = true
			}
		}
	}
	return nil
}

func (im *Importer) apply(ctx context.Context, l db.Loader, payloads []*payload, threads int) error {
	created := map[string]bool{}
	for _, p := range payloads {
		for _, t := range p.load {
			if created[t.Name] {
				continue
			}
			ddl, err := os.ReadFile(p.schemaFile(t.Name))
			if err != nil {
				return fmt.Errorf("schema of %s: %w", t.Name, err)
			}
			stmt := strings.TrimSuffix(strings.TrimSpace(string(ddl)), ";")
			if err := l.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", t.Name, err)
			}
			created[t.Name] = true
		}
	}

	checked := map[string]bool{}
	for _, p := range payloads {
		for _, t := range p.load {
			if checked[t.Name] {
				continue
			}
			empty, err := l.IsEmpty(ctx, t.Name)
			if err != nil {
				return fmt.Errorf("check %s: %w", t.Name, err)
			}
			if !empty {
				return fmt.Errorf("%w: %s", ErrTargetNotEmpty, t.Name)
			}
			checked[t.Name] = true
		}
	}

	sequences := map[string]string{}
	for _, p := range payloads {
		levels, err := tables.Levels(p.load)
		if err != nil {
			return err
		}
		log := im.Log.With().Str("archive", filepath.Base(p.path)).Logger()
		for _, level := range levels {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(threads)
			for _, t := range level {
				g.Go(func() error {
					return loadTable(gctx, l, p, t, log)
				})
				if t.Sequence != "" {
					sequences[t.Name] = t.Sequence
				}
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
		log.Info().Str("tier", string(p.tier)).Int64("dump_id", p.manifest.DumpID).Strs("skipped", p.skipped).Msg("archive restored")
	}

	for _, p := range payloads {
		for _, t := range p.load {
			column, ok := sequences[t.Name]
			if !ok {
				continue
			}
			if err := l.AdvanceSequence(ctx, t.Name, column); err != nil {
				return fmt.Errorf("advance sequence of %s: %w", t.Name, err)
			}
			delete(sequences, t.Name)
		}
	}
	return nil
}

func loadTable(ctx context.Context, l db.Loader, p *payload, t tables.Table, log zerolog.Logger) error {
	f, err := os.Open(p.dataFile(t.Name))
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := l.CopyIn(ctx, t.Name, t.Columns, f)
	if err != nil {
		return err
	}
	want, _ := p.manifest.Table(t.Name)
	if rows != want.Rows {
		return fmt.Errorf("%s: loaded %d rows, manifest lists %d", t.Name, rows, want.Rows)
	}
	log.Debug().Str("table", t.Name).Int64("rows", rows).Msg("table restored")
	return nil
}
