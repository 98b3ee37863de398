package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/lbdump/internal/cryptoutil"
	"github.com/rowjay/lbdump/internal/dumpname"
)

const (
	envPrefix = "LBDUMP"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			if typ := configTypeFromPath(resolved); typ != "" {
				vp.SetConfigType(typ)
			}
			key := os.Getenv("LBDUMP_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but LBDUMP_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("LBDUMP_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"lbdump.yaml",
		"lbdump.yml",
		"lbdump.toml",
		"lbdump.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "lbdump")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"lbdump.yaml.enc", "lbdump.yml.enc", "lbdump.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".toml") || strings.HasSuffix(path, ".toml.enc") || strings.HasSuffix(path, ".toml.encrypted"):
		return "toml"
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

// DefaultStatRanges is the allowed statistics range set used when the
// config does not list one.
var DefaultStatRanges = []string{
	"this_week", "this_month", "this_year",
	"week", "month", "quarter", "year", "half_yearly", "all_time",
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "6h")
	vp.SetDefault("database.type", "sqlite")
	vp.SetDefault("database.sqlite_path", "./listenbrainz.db")
	vp.SetDefault("dump.prefix", "listenbrainz")
	vp.SetDefault("dump.public_dir", "./dumps/public")
	vp.SetDefault("dump.private_dir", "./dumps/private")
	vp.SetDefault("dump.compression", "zstd")
	vp.SetDefault("dump.threads", 1)
	vp.SetDefault("import.threads", 1)
	vp.SetDefault("stats.output_dir", "./dumps/stats")
	vp.SetDefault("stats.ranges", DefaultStatRanges)
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./mirror")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 6 * time.Hour
	}
	if cfg.Dump.Threads < 1 {
		cfg.Dump.Threads = 1
	}
	if cfg.Import.Threads < 1 {
		cfg.Import.Threads = 1
	}
	if len(cfg.Stats.Ranges) == 0 {
		cfg.Stats.Ranges = append([]string(nil), DefaultStatRanges...)
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if !dumpname.ValidSegment(c.Dump.Prefix) {
		return fmt.Errorf("dump.prefix %q must be non-empty and must not contain '-', '.', '/' or spaces", c.Dump.Prefix)
	}
	if c.Dump.EncryptPrivate && c.Dump.EncryptionKey == "" {
		return errors.New("dump.encrypt_private is enabled but dump.encryption_key is empty")
	}
	for _, r := range c.Stats.Ranges {
		if r == "" || strings.ContainsAny(r, "/\\") {
			return fmt.Errorf("invalid stats range %q", r)
		}
	}
	return nil
}

func expandEnv(cfg *Config) {
	cfg.Database.DSN = os.ExpandEnv(cfg.Database.DSN)
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Database.Username = os.ExpandEnv(cfg.Database.Username)
	cfg.Dump.EncryptionKey = os.ExpandEnv(cfg.Dump.EncryptionKey)
	cfg.Storage.S3.AccessKey = os.ExpandEnv(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.Storage.S3.SessionToken = os.ExpandEnv(cfg.Storage.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
