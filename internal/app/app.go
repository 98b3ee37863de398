package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/lbdump/internal/archive"
	"github.com/rowjay/lbdump/internal/compress"
	"github.com/rowjay/lbdump/internal/config"
	"github.com/rowjay/lbdump/internal/cryptoutil"
	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/dump"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/lock"
	"github.com/rowjay/lbdump/internal/notify"
	"github.com/rowjay/lbdump/internal/restore"
	"github.com/rowjay/lbdump/internal/stats"
	"github.com/rowjay/lbdump/internal/storage"
	"github.com/rowjay/lbdump/internal/tables"
	"github.com/rowjay/lbdump/internal/util"
)

type App struct {
	Cfg      *config.Config
	Store    db.Store
	Storage  storage.Storage
	Registry tables.Registry
	Log      zerolog.Logger
	Notifier notify.Notifier
	Now      func() time.Time
}

// New wires an App. mirror may be nil when nothing is published.
func New(cfg *config.Config, store db.Store, mirror storage.Storage, log zerolog.Logger, notifier notify.Notifier) *App {
	return &App{
		Cfg:      cfg,
		Store:    store,
		Storage:  mirror,
		Registry: tables.Default(),
		Log:      log,
		Notifier: notifier,
		Now:      time.Now,
	}
}

// run holds the lock for the duration of fn and sends a notification
// describing its outcome.
func (a *App) run(ctx context.Context, kind string, fn func(ev *notify.Event) error) error {
	ev := notify.Event{Type: kind, Dialect: a.Store.Name(), StartedAt: time.Now()}
	err := func() error {
		guard, err := lock.Acquire(a.Cfg.Global.LockFile)
		if err != nil {
			return err
		}
		defer guard.Release()
		return fn(&ev)
	}()
	if a.Notifier != nil {
		ev.EndedAt = time.Now()
		ev.Duration = ev.EndedAt.Sub(ev.StartedAt).String()
		ev.Status = statusFromErr(err)
		if err != nil {
			ev.Error = err.Error()
		}
		if nerr := a.Notifier.Notify(context.Background(), ev); nerr != nil {
			a.Log.Warn().Err(nerr).Str("type", kind).Msg("notification failed")
		}
	}
	return err
}

// Dump writes the public and private archives of a new database dump,
// then publishes and prunes them as configured.
func (a *App) Dump(ctx context.Context, dumpType dumpname.DumpType) (dump.Result, error) {
	var res dump.Result
	err := a.run(ctx, "dump", func(ev *notify.Event) error {
		ev.DumpType = string(dumpType)
		ev.Message = fmt.Sprintf("%s dump", dumpType)

		opts, err := a.dumpOptions()
		if err != nil {
			return err
		}
		d := dump.New(a.Store, a.Registry, opts, a.Log)
		res, err = d.DumpDatabase(ctx, dumpType, a.destinations(), a.Now())
		if err != nil {
			return err
		}
		ev.DumpID = res.ID
		ev.Message = fmt.Sprintf("%s dump %s", dumpType, res.Name)
		ev.Archives = []string{res.Private, res.Public}

		if a.Cfg.Dump.Publish {
			if _, err := a.Publish(ctx, res); err != nil {
				return err
			}
		}
		if a.Cfg.Dump.KeepFull > 0 {
			for _, dir := range []string{a.Cfg.Dump.PrivateDir, a.Cfg.Dump.PublicDir} {
				if _, err := a.Prune(dir, a.Cfg.Dump.KeepFull); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return res, err
}

// Stats writes the statistics archive into the configured directory.
func (a *App) Stats(ctx context.Context) (string, error) {
	var path string
	err := a.run(ctx, "stats", func(ev *notify.Event) error {
		ev.Message = "statistics dump"
		kind, err := a.compression()
		if err != nil {
			return err
		}
		e := &stats.Exporter{
			Source:      stats.StoreSource{Store: a.Store},
			Ranges:      a.Cfg.Stats.Ranges,
			Prefix:      a.Cfg.Dump.Prefix,
			Compression: kind,
			Compress:    compress.Options{Level: a.Cfg.Dump.CompressionLevel, Threads: a.Cfg.Dump.Threads},
			TempDir:     a.Cfg.Dump.TempDir,
			Log:         a.Log,
		}
		path, err = e.CreateDump(ctx, a.Cfg.Stats.OutputDir, a.Now())
		if err != nil {
			return err
		}
		ev.Archives = []string{path}
		return nil
	})
	return path, err
}

// Import restores the archives of req. A zero Threads takes the configured
// value.
func (a *App) Import(ctx context.Context, req restore.Request) (restore.Summary, error) {
	var sum restore.Summary
	err := a.run(ctx, "import", func(ev *notify.Event) error {
		ev.Message = "import"
		if req.Threads <= 0 {
			req.Threads = a.Cfg.Import.Threads
		}
		im := restore.New(a.Store, a.Registry, a.Log)
		im.TempDir = a.Cfg.Import.TempDir
		if a.Cfg.Dump.EncryptionKey != "" {
			key, err := cryptoutil.ParseKey(a.Cfg.Dump.EncryptionKey)
			if err != nil {
				return err
			}
			im.Key = key
		}
		var err error
		sum, err = im.Import(ctx, req)
		if err != nil {
			return err
		}
		for _, arc := range sum.Archives {
			ev.Archives = append(ev.Archives, arc.Path)
			ev.DumpID = arc.DumpID
			ev.DumpType = string(arc.DumpType)
		}
		ev.Rows = sum.Rows()
		return nil
	})
	return sum, err
}

// Publish uploads the archives of res and their checksum sidecars to the
// mirror under <prefix>/<dump name>/ and returns the keys written. The
// private archive is published only when publish_private is set.
func (a *App) Publish(ctx context.Context, res dump.Result) ([]string, error) {
	if a.Storage == nil {
		return nil, errors.New("publishing is enabled but no storage backend is configured")
	}
	files := []string{res.Public, archive.ChecksumPath(res.Public)}
	if a.Cfg.Dump.PublishPrivate {
		files = append(files, res.Private, archive.ChecksumPath(res.Private))
	}

	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.Cfg.Dump.Threads, 1))
	for i, file := range files {
		keys[i] = util.BuildObjectKey(a.Cfg.Storage.Prefix, res.Name, file)
		g.Go(func() error {
			return a.upload(gctx, file, keys[i], res)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("publish %s: %w", res.Name, err)
	}
	a.Log.Info().Str("dump", res.Name).Strs("keys", keys).Msg("dump published")
	return keys, nil
}

func (a *App) upload(ctx context.Context, file, key string, res dump.Result) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	exists, err := a.Storage.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		obj, err := a.Storage.Stat(ctx, key)
		if err != nil {
			return err
		}
		if obj.Size == st.Size() {
			a.Log.Debug().Str("key", key).Msg("already published")
			return nil
		}
	}
	meta := map[string]string{
		"lbdump-dump-id": fmt.Sprint(res.ID),
		"lbdump-run-id":  res.RunID,
	}
	return a.Storage.Put(ctx, key, f, st.Size(), meta)
}

// mirror returns the storage backend, opening the configured one when the
// app was built without it.
func (a *App) mirror() (storage.Storage, error) {
	if a.Storage == nil {
		s, err := storage.New(a.Cfg.Storage)
		if err != nil {
			return nil, err
		}
		a.Storage = s
	}
	return a.Storage, nil
}

// Fetch downloads the published object key into dir, along with its
// checksum sidecar when the mirror has one, and returns the local path.
func (a *App) Fetch(ctx context.Context, key, dir string) (string, error) {
	mirror, err := a.mirror()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	target := filepath.Join(dir, path.Base(key))
	if err := download(ctx, mirror, key, target); err != nil {
		return "", err
	}
	sidecar := key + archive.ChecksumSuffix
	found, err := mirror.Exists(ctx, sidecar)
	if err != nil {
		return "", err
	}
	if found {
		if err := download(ctx, mirror, sidecar, archive.ChecksumPath(target)); err != nil {
			return "", err
		}
	}
	a.Log.Info().Str("key", key).Str("path", target).Bool("checksum", found).Msg("archive fetched")
	return target, nil
}

// FetchRequest treats the paths of req as mirror keys, downloads them into
// dir and returns the request pointing at the local copies.
func (a *App) FetchRequest(ctx context.Context, req restore.Request, dir string) (restore.Request, error) {
	for _, p := range []*string{&req.PrivateBasePath, &req.PrivatePath, &req.PublicBasePath, &req.PublicPath} {
		if *p == "" {
			continue
		}
		local, err := a.Fetch(ctx, *p, dir)
		if err != nil {
			return restore.Request{}, err
		}
		*p = local
	}
	return req, nil
}

func download(ctx context.Context, mirror storage.Storage, key, target string) error {
	r, err := mirror.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	defer r.Close()
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), target)
}

// ArchiveInfo is one dump archive found in a directory.
type ArchiveInfo struct {
	Path     string
	Name     string
	ID       int64
	Created  time.Time
	DumpType dumpname.DumpType
	Size     int64
}

// List returns the database dump archives in dir, newest first. Files
// whose name does not parse are skipped.
func (a *App) List(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []ArchiveInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), archive.ChecksumSuffix) || strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		name := dumpname.Base(e.Name())
		id, created, err := dumpname.ParseWithID(name)
		if err != nil {
			a.Log.Debug().Str("file", e.Name()).Err(err).Msg("not a dump archive")
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, ArchiveInfo{
			Path:     filepath.Join(dir, e.Name()),
			Name:     name,
			ID:       id,
			Created:  created,
			DumpType: dumpTypeOf(name),
			Size:     info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Prune keeps the newest keep full dumps in dir and removes older full
// dumps, incremental dumps older than the oldest kept full dump, and the
// checksum sidecars of both. It returns the removed archives.
func (a *App) Prune(dir string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	archives, err := a.List(dir)
	if err != nil {
		return nil, err
	}
	oldest := oldestKept(archives, keep)
	if oldest < 0 {
		return nil, nil
	}
	var removed []string
	for _, arc := range archives {
		if arc.ID >= oldest {
			continue
		}
		if err := os.Remove(arc.Path); err != nil {
			return removed, fmt.Errorf("prune %s: %w", arc.Name, err)
		}
		if err := os.Remove(archive.ChecksumPath(arc.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("prune %s: %w", arc.Name, err)
		}
		removed = append(removed, arc.Path)
		a.Log.Info().Str("archive", arc.Path).Str("dump_type", string(arc.DumpType)).Msg("old dump removed")
	}
	return removed, nil
}

// PruneMirror applies the Prune retention to the dumps published under
// storage.prefix and returns the deleted keys. Objects outside a dump
// directory are left alone.
func (a *App) PruneMirror(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	mirror, err := a.mirror()
	if err != nil {
		return nil, err
	}
	base := util.BuildPrefix(a.Cfg.Storage.Prefix, "")
	listPrefix := base
	if listPrefix != "" {
		listPrefix += "/"
	}
	objects, err := mirror.List(ctx, listPrefix)
	if err != nil {
		return nil, err
	}

	keys := map[string][]string{}
	var dumps []ArchiveInfo
	for _, o := range objects {
		name, _, ok := strings.Cut(strings.TrimPrefix(o.Key, listPrefix), "/")
		if !ok {
			continue
		}
		id, created, err := dumpname.ParseWithID(name)
		if err != nil {
			continue
		}
		if _, seen := keys[name]; !seen {
			dumps = append(dumps, ArchiveInfo{
				Path:     util.BuildPrefix(base, name),
				Name:     name,
				ID:       id,
				Created:  created,
				DumpType: dumpTypeOf(name),
			})
		}
		keys[name] = append(keys[name], o.Key)
	}
	sort.Slice(dumps, func(i, j int) bool { return dumps[i].ID > dumps[j].ID })

	oldest := oldestKept(dumps, keep)
	if oldest < 0 {
		return nil, nil
	}
	var removed []string
	for _, d := range dumps {
		if d.ID >= oldest {
			continue
		}
		for _, key := range keys[d.Name] {
			if err := mirror.Delete(ctx, key); err != nil {
				return removed, fmt.Errorf("prune %s: %w", key, err)
			}
			removed = append(removed, key)
		}
		a.Log.Info().Str("dump", d.Name).Str("prefix", d.Path).Msg("old published dump removed")
	}
	return removed, nil
}

// oldestKept returns the id of the keep-th newest full dump of archives,
// sorted newest first, or -1 when there are fewer full dumps.
func oldestKept(archives []ArchiveInfo, keep int) int64 {
	fulls := 0
	for _, arc := range archives {
		if arc.DumpType != dumpname.Full {
			continue
		}
		fulls++
		if fulls == keep {
			return arc.ID
		}
	}
	return -1
}

func dumpTypeOf(name string) dumpname.DumpType {
	if strings.HasSuffix(name, "-"+string(dumpname.Full)) {
		return dumpname.Full
	}
	return dumpname.Incremental
}

// InitDB creates the missing tables.
func (a *App) InitDB(ctx context.Context) error {
	return db.InitSchema(ctx, a.Store)
}

// ResetDB drops and recreates every table.
func (a *App) ResetDB(ctx context.Context) error {
	guard, err := lock.Acquire(a.Cfg.Global.LockFile)
	if err != nil {
		return err
	}
	defer guard.Release()
	return db.ResetSchema(ctx, a.Store)
}

func (a *App) destinations() dump.Destinations {
	return dump.Destinations{Public: a.Cfg.Dump.PublicDir, Private: a.Cfg.Dump.PrivateDir}
}

func (a *App) dumpOptions() (dump.Options, error) {
	kind, err := a.compression()
	if err != nil {
		return dump.Options{}, err
	}
	opts := dump.Options{
		Prefix:      a.Cfg.Dump.Prefix,
		Compression: kind,
		Compress:    compress.Options{Level: a.Cfg.Dump.CompressionLevel, Threads: a.Cfg.Dump.Threads},
		TempDir:     a.Cfg.Dump.TempDir,
	}
	if a.Cfg.Dump.EncryptPrivate {
		key, err := cryptoutil.ParseKey(a.Cfg.Dump.EncryptionKey)
		if err != nil {
			return dump.Options{}, err
		}
		opts.Key = key
	}
	return opts, nil
}

// compression returns the configured engine. A missing zstd binary falls
// back to the in-process encoder when allow_missing_tools is set.
func (a *App) compression() (string, error) {
	kind := a.Cfg.Dump.Compression
	if kind != compress.TypeZstdExternal {
		return kind, nil
	}
	if err := util.RequireBinary("zstd"); err != nil {
		if !a.Cfg.Global.AllowMissingTools {
			return "", err
		}
		a.Log.Warn().Err(err).Msg("using the built-in zstd encoder")
		return compress.TypeZstd, nil
	}
	return kind, nil
}

func statusFromErr(err error) string {
	if err == nil {
		return "success"
	}
	return "failed"
}
