package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Dump          DumpConfig          `mapstructure:"dump"`
	Import        ImportConfig        `mapstructure:"import"`
	Stats         StatsConfig         `mapstructure:"stats"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"` // json or console
	LockFile          string        `mapstructure:"lock_file"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase  string        `mapstructure:"config_passphrase"` // optional; may come from env
	AllowMissingTools bool          `mapstructure:"allow_missing_tools"`
}

type DatabaseConfig struct {
	Type              string            `mapstructure:"type"` // sqlite, postgres
	DSN               string            `mapstructure:"dsn"`
	Host              string            `mapstructure:"host"`
	Port              int               `mapstructure:"port"`
	Username          string            `mapstructure:"username"`
	Password          string            `mapstructure:"password"`
	Database          string            `mapstructure:"database"`
	Params            map[string]string `mapstructure:"params"`
	SSLMode           string            `mapstructure:"ssl_mode"`
	ConnectionTimeout time.Duration     `mapstructure:"connection_timeout"`
	SQLitePath        string            `mapstructure:"sqlite_path"`
}

type DumpConfig struct {
	Prefix           string `mapstructure:"prefix"`      // first segment of every dump name
	PublicDir        string `mapstructure:"public_dir"`  // destination of public archives
	PrivateDir       string `mapstructure:"private_dir"` // destination of private archives
	Compression      string `mapstructure:"compression"` // none, gzip, zstd, zstd-external
	CompressionLevel int    `mapstructure:"compression_level"`
	Threads          int    `mapstructure:"threads"`
	EncryptPrivate   bool   `mapstructure:"encrypt_private"`
	EncryptionKey    string `mapstructure:"encryption_key"`
	Publish          bool   `mapstructure:"publish"`
	PublishPrivate   bool   `mapstructure:"publish_private"`
	KeepFull         int    `mapstructure:"keep_full"` // full dumps kept by prune; 0 disables
	TempDir          string `mapstructure:"temp_dir"`
}

type ImportConfig struct {
	Threads int    `mapstructure:"threads"`
	TempDir string `mapstructure:"temp_dir"`
}

type StatsConfig struct {
	OutputDir string   `mapstructure:"output_dir"`
	Ranges    []string `mapstructure:"ranges"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}
