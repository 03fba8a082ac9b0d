package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for snapbridge.
type Config struct {
	InstanceID  string            `toml:"instance_id"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	Log         LogConfig         `toml:"log"`
	Database    DatabaseConfig    `toml:"database"`
	Staging     StagingConfig     `toml:"staging"`
	Manifest    ManifestConfig    `toml:"manifest"`
	Notify      NotifyConfig      `toml:"notify"`
	Jobs        JobsConfig        `toml:"jobs"`
	NATS        NATSConfig        `toml:"nats"`
	Tasks       TasksConfig       `toml:"tasks"`
	Credentials CredentialsConfig `toml:"credentials"`
	Archive     ArchiveConfig     `toml:"archive"`
	Finalizer   FinalizerConfig   `toml:"finalizer"`
	Restore     RestoreConfig     `toml:"restore"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// Duration is a time.Duration written as text ("5m0s") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// LogConfig controls log output.
type LogConfig struct {
	Format string `toml:"format"` // "text" (default) or "json"
	Level  string `toml:"level"`  // "debug", "info" (default), "warn" or "error"
}

// DatabaseConfig represents configuration for the lifecycle database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type        string `toml:"type"`               // "sqlite", "memory" or "postgres"
	DataDir     string `toml:"data_dir,omitempty"` // only used for type=sqlite
	DSN         string `toml:"dsn,omitempty"`      // only used for type=postgres
	AutoMigrate bool   `toml:"auto_migrate"`
}

// StagingConfig represents configuration for the staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type               string `toml:"type"` // "memory" or "filesystem"
	ContentRootDir     string `toml:"content_root_dir,omitempty"`
	RestorationRootDir string `toml:"restoration_root_dir,omitempty"`
}

// ManifestConfig locates snapshot manifests.
type ManifestConfig struct {
	Dir string `toml:"dir"`
}

// NotifyConfig selects the notification transport and recipients.
type NotifyConfig struct {
	Type           string   `toml:"type"` // "log", "nats" or "memory"
	OperatorEmails []string `toml:"operator_emails"`
	NodeEmails     []string `toml:"node_emails"`
}

// JobsConfig selects the job gateway.
type JobsConfig struct {
	Type string `toml:"type"` // "log", "nats" or "memory"
}

// NATSConfig holds the NATS connection used by the nats job gateway,
// notification transport and callback listener.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	QueueGroup    string `toml:"queue_group"`
}

// TasksConfig selects the storage task client.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TasksConfig struct {
	Type     string `toml:"type"`                // "s3" or "memory"
	S3Region string `toml:"s3_region,omitempty"` // only used for type=s3
}

// CredentialsConfig selects how endpoint credentials are resolved.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CredentialsConfig struct {
	Type string `toml:"type"` // "static" or "age"

	// Static fields (only used when Type == "static")
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`

	// Age fields (only used when Type == "age"). Without an identity file
	// the passphrase is prompted for.
	File         string `toml:"file,omitempty"`
	IdentityFile string `toml:"identity_file,omitempty"`
}

// ArchiveConfig locates the bucket manifests are exported to.
type ArchiveConfig struct {
	Endpoint  string `toml:"endpoint,omitempty"`
	Region    string `toml:"region,omitempty"`
	Bucket    string `toml:"bucket,omitempty"`
	Prefix    string `toml:"prefix,omitempty"`
	AccessKey string `toml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty"`
}

// FinalizerConfig controls the snapshot finalization sweep.
type FinalizerConfig struct {
	Period Duration `toml:"period"`
}

// RestoreConfig controls restorations and the expiration sweep.
type RestoreConfig struct {
	DaysToExpire     int      `toml:"days_to_expire"`
	ExpirationPeriod Duration `toml:"expiration_period"`
}

// MetricsConfig controls the Prometheus endpoint served by "serve".
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Output  string `toml:"output"` // file path; empty writes to stderr
}

// NewConfig creates a new Config with the provided values and defaults that
// run everything locally.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Log:        LogConfig{Format: "text", Level: "info"},
		Database: DatabaseConfig{
			Type:        "sqlite",
			DataDir:     filepath.Join(baseDir, "db"),
			AutoMigrate: true,
		},
		Staging: StagingConfig{
			Type:               "filesystem",
			ContentRootDir:     filepath.Join(baseDir, "staging", "content"),
			RestorationRootDir: filepath.Join(baseDir, "staging", "restorations"),
		},
		Manifest:    ManifestConfig{Dir: filepath.Join(baseDir, "manifests")},
		Notify:      NotifyConfig{Type: "log"},
		Jobs:        JobsConfig{Type: "log"},
		NATS:        NATSConfig{SubjectPrefix: "snapbridge", QueueGroup: "snapbridge"},
		Tasks:       TasksConfig{Type: "s3", S3Region: "us-east-1"},
		Credentials: CredentialsConfig{Type: "static"},
		Finalizer:   FinalizerConfig{Period: Duration{time.Hour}},
		Restore: RestoreConfig{
			DaysToExpire:     21,
			ExpirationPeriod: Duration{6 * time.Hour},
		},
	}
}

// Validate checks that the fields required by each selected type are set.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			return fmt.Errorf("database: data_dir required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database: dsn required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("database: unknown type %q", c.Database.Type)
	}

	if c.Manifest.Dir == "" {
		return fmt.Errorf("manifest: dir required")
	}

	if c.Jobs.Type == "nats" || c.Notify.Type == "nats" {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats: url required when jobs or notify use nats")
		}
	}

	switch c.Credentials.Type {
	case "static":
	case "age":
		if c.Credentials.File == "" {
			return fmt.Errorf("credentials: file required for age")
		}
	default:
		return fmt.Errorf("credentials: unknown type %q", c.Credentials.Type)
	}

	if c.Finalizer.Period.Duration <= 0 {
		return fmt.Errorf("finalizer: period must be positive")
	}
	if c.Restore.ExpirationPeriod.Duration <= 0 {
		return fmt.Errorf("restore: expiration_period must be positive")
	}
	if c.Restore.DaysToExpire <= 0 {
		return fmt.Errorf("restore: days_to_expire must be positive")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the config file, loads .env files next to it and applies
// SNAPBRIDGE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := ReadFromFile(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := LoadEnvFiles(filepath.Join(dir, ".env"), ".env"); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
