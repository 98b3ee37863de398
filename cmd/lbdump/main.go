package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rowjay/lbdump/internal/app"
	"github.com/rowjay/lbdump/internal/config"
	"github.com/rowjay/lbdump/internal/cryptoutil"
	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/logging"
	"github.com/rowjay/lbdump/internal/notify"
	"github.com/rowjay/lbdump/internal/restore"
	"github.com/rowjay/lbdump/internal/storage"
	"github.com/rowjay/lbdump/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	DBType        string
	DBDSN         string
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	SQLitePath    string
	Storage       string
	LocalPath     string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	EncryptionKey string
	Compression   string
	TempDir       string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:          "lbdump",
		Short:        "Dump, export and import the ListenBrainz database",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.DBType, "db-type", "", "Database type (sqlite, postgres)")
	rootCmd.PersistentFlags().StringVar(&overrides.DBDSN, "db-dsn", "", "Database connection string")
	rootCmd.PersistentFlags().StringVar(&overrides.DBHost, "db-host", "", "Database host")
	rootCmd.PersistentFlags().IntVar(&overrides.DBPort, "db-port", 0, "Database port")
	rootCmd.PersistentFlags().StringVar(&overrides.DBUser, "db-user", "", "Database username")
	rootCmd.PersistentFlags().StringVar(&overrides.DBPassword, "db-password", "", "Database password")
	rootCmd.PersistentFlags().StringVar(&overrides.DBName, "db-name", "", "Database name")
	rootCmd.PersistentFlags().StringVar(&overrides.SQLitePath, "sqlite-path", "", "SQLite file path")

	rootCmd.PersistentFlags().StringVar(&overrides.Storage, "storage", "", "Publish backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local mirror path")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Key (base64 or hex) of encrypted private archives")
	rootCmd.PersistentFlags().StringVar(&overrides.Compression, "compression", "", "Compression (none, gzip, zstd, zstd-external)")
	rootCmd.PersistentFlags().StringVar(&overrides.TempDir, "temp-dir", "", "Directory for staging files")

	rootCmd.AddCommand(newDumpCmd(root, overrides))
	rootCmd.AddCommand(newDBCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newDumpCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Create, import and manage dumps",
	}
	cmd.AddCommand(newCreateCmd(root, overrides))
	cmd.AddCommand(newStatsCmd(root, overrides))
	cmd.AddCommand(newImportCmd(root, overrides))
	cmd.AddCommand(newListCmd(root, overrides))
	cmd.AddCommand(newPruneCmd(root, overrides))
	cmd.AddCommand(newParseCmd())
	return cmd
}

func newCreateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var (
		dumpType   string
		publicDir  string
		privateDir string
		threads    int
		publish    bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Dump the database into a public and a private archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := dumpname.ParseDumpType(dumpType)
			if err != nil {
				return err
			}
			return withApp(root, overrides, func(cfg *config.Config) {
				if publicDir != "" {
					cfg.Dump.PublicDir = publicDir
				}
				if privateDir != "" {
					cfg.Dump.PrivateDir = privateDir
				}
				if threads > 0 {
					cfg.Dump.Threads = threads
				}
				if publish {
					cfg.Dump.Publish = true
				}
			}, func(ctx context.Context, a *app.App) error {
				res, err := a.Dump(ctx, dt)
				if err != nil {
					return err
				}
				a.Log.Info().Int64("dump_id", res.ID).Str("public", res.Public).Str("private", res.Private).Msg("dump completed")
				fmt.Println(res.Private)
				fmt.Println(res.Public)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dumpType, "type", string(dumpname.Full), "Dump type (full, incremental)")
	cmd.Flags().StringVar(&publicDir, "public-dir", "", "Destination of the public archive")
	cmd.Flags().StringVar(&privateDir, "private-dir", "", "Destination of the private archive")
	cmd.Flags().IntVar(&threads, "threads", 0, "Compression threads")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish the archives to the storage backend")
	return cmd
}

func newStatsCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Dump the statistics into one archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, overrides, func(cfg *config.Config) {
				if outputDir != "" {
					cfg.Stats.OutputDir = outputDir
				}
			}, func(ctx context.Context, a *app.App) error {
				path, err := a.Stats(ctx)
				if err != nil {
					return err
				}
				a.Log.Info().Str("archive", path).Msg("statistics dump completed")
				fmt.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Destination of the statistics archive")
	return cmd
}

func newImportCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	req := restore.Request{}
	var fromMirror bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore dump archives into an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.PrivatePath == "" && req.PublicPath == "" {
				return fmt.Errorf("--private or --public is required")
			}
			return withApp(root, overrides, nil, func(ctx context.Context, a *app.App) error {
				if fromMirror {
					dir, err := os.MkdirTemp(a.Cfg.Import.TempDir, "lbdump-fetch-")
					if err != nil {
						return err
					}
					defer os.RemoveAll(dir)
					if req, err = a.FetchRequest(ctx, req, dir); err != nil {
						return err
					}
				}
				sum, err := a.Import(ctx, req)
				if err != nil {
					return err
				}
				for _, arc := range sum.Archives {
					for _, t := range arc.Tables {
						fmt.Printf("%s\t%s\t%d\n", arc.Tier, t.Name, t.Rows)
					}
				}
				a.Log.Info().Int64("rows", sum.Rows()).Msg("import completed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.PrivatePath, "private", "", "Private archive")
	cmd.Flags().StringVar(&req.PrivateBasePath, "private-base", "", "Full private archive an incremental --private applies on")
	cmd.Flags().StringVar(&req.PublicPath, "public", "", "Public archive")
	cmd.Flags().StringVar(&req.PublicBasePath, "public-base", "", "Full public archive an incremental --public applies on")
	cmd.Flags().IntVar(&req.Threads, "threads", 0, "Tables loaded in parallel")
	cmd.Flags().BoolVar(&fromMirror, "from-mirror", false, "Treat the archive arguments as storage keys and download them first")
	return cmd
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <dir>",
		Short: "List the dump archives of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			a := &app.App{Cfg: cfg, Log: logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)}
			items, err := a.List(args[0])
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n", item.ID, item.DumpType, item.Created.Format(time.RFC3339), humanize.Bytes(uint64(item.Size)), item.Path)
			}
			return nil
		},
	}
}

func newPruneCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var (
		keep   int
		mirror bool
	)
	cmd := &cobra.Command{
		Use:   "prune [dir]",
		Short: "Remove all but the newest full dumps of a directory or of the storage mirror",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			if keep == 0 {
				keep = cfg.Dump.KeepFull
			}
			if len(args) == 0 && !mirror {
				return fmt.Errorf("a directory or --mirror is required")
			}
			a := &app.App{Cfg: cfg, Log: logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)}
			if len(args) == 1 {
				removed, err := a.Prune(args[0], keep)
				for _, p := range removed {
					fmt.Println(p)
				}
				if err != nil {
					return err
				}
			}
			if mirror {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
				defer cancel()
				removed, err := a.PruneMirror(ctx, keep)
				for _, k := range removed {
					fmt.Println(k)
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Full dumps to keep (default dump.keep_full)")
	cmd.Flags().BoolVar(&mirror, "mirror", false, "Also prune the dumps published to the storage backend")
	return cmd
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file>",
		Short: "Print the id and time encoded in a dump file name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := dumpname.Base(args[0])
			if id, ts, err := dumpname.ParseWithID(name); err == nil {
				fmt.Printf("id=%d time=%s\n", id, ts.Format(time.RFC3339))
				return nil
			}
			label, ts, err := dumpname.ParseWithoutID(name)
			if err != nil {
				return err
			}
			fmt.Printf("label=%s time=%s\n", label, ts.Format(time.RFC3339))
			return nil
		},
	}
}

func newDBCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Schema utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the missing tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, overrides, nil, func(ctx context.Context, a *app.App) error {
				return a.InitDB(ctx)
			})
		},
	})

	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drop every table and create it again, empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("db reset deletes every row; pass --yes to confirm")
			}
			return withApp(root, overrides, nil, func(ctx context.Context, a *app.App) error {
				return a.ResetDB(ctx)
			})
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	cmd.AddCommand(reset)
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := cryptoutil.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}

	cmd.AddCommand(encrypt, keygen)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lbdump %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

// withApp loads the config, applies adjust, connects to the database and
// runs fn under the operation timeout.
func withApp(root *rootFlags, overrides *overrideFlags, adjust func(cfg *config.Config), fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
	defer cancel()

	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var mirror storage.Storage
	if cfg.Dump.Publish || cfg.Dump.PublishPrivate {
		mirror, err = storage.New(cfg.Storage)
		if err != nil {
			return err
		}
	}
	a := app.New(cfg, store, mirror, logger.With().Str("dialect", store.Name()).Logger(), notify.FromConfig(cfg.Notifications))
	if err := fn(ctx, a); err != nil {
		logger.Error().Err(err).Msg("operation failed")
		return err
	}
	return nil
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.DBType != "" {
		cfg.Database.Type = overrides.DBType
	}
	if overrides.DBDSN != "" {
		cfg.Database.DSN = overrides.DBDSN
	}
	if overrides.DBHost != "" {
		cfg.Database.Host = overrides.DBHost
	}
	if overrides.DBPort != 0 {
		cfg.Database.Port = overrides.DBPort
	}
	if overrides.DBUser != "" {
		cfg.Database.Username = overrides.DBUser
	}
	if overrides.DBPassword != "" {
		cfg.Database.Password = overrides.DBPassword
	}
	if overrides.DBName != "" {
		cfg.Database.Database = overrides.DBName
	}
	if overrides.SQLitePath != "" {
		cfg.Database.SQLitePath = overrides.SQLitePath
	}

	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = strings.EqualFold(overrides.S3UseSSL, "true") || overrides.S3UseSSL == "1"
	}
	if overrides.S3PathStyle != "" {
		cfg.Storage.S3.ForcePathStyle = strings.EqualFold(overrides.S3PathStyle, "true") || overrides.S3PathStyle == "1"
	}

	if overrides.EncryptionKey != "" {
		cfg.Dump.EncryptionKey = overrides.EncryptionKey
	}
	if overrides.Compression != "" {
		cfg.Dump.Compression = overrides.Compression
	}
	if overrides.TempDir != "" {
		cfg.Dump.TempDir = overrides.TempDir
		cfg.Import.TempDir = overrides.TempDir
	}

	cfg.Database.Type = strings.ToLower(cfg.Database.Type)
	cfg.Dump.Compression = strings.ToLower(cfg.Dump.Compression)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}
