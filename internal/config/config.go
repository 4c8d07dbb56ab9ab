package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for fieldsync.
type Config struct {
	DeviceID   string           `toml:"device_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Endpoints  []EndpointConfig `toml:"endpoints"`
	Database   DatabaseConfig   `toml:"database"`
	Encryption EncryptionConfig `toml:"encryption"`
	Connection ConnectionConfig `toml:"connection"`
	Sync       SyncConfig       `toml:"sync"`
	Reference  ReferenceConfig  `toml:"reference"`
}

// EndpointConfig describes one candidate server.
type EndpointConfig struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	Type     string `toml:"type"` // "cloud" or "local"
	Priority int    `toml:"priority"`
}

// DatabaseConfig represents configuration for the local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// EncryptionConfig selects how the stored credential token is sealed.
type EncryptionConfig struct {
	Type         string `toml:"type"` // "age" (default) or "test"
	IdentityPath string `toml:"identity_path,omitempty"`
}

// ConnectionConfig tunes endpoint probing.
type ConnectionConfig struct {
	ProbeTimeout    Duration `toml:"probe_timeout"`
	CheckInterval   Duration `toml:"check_interval"`
	AllowUnverified bool     `toml:"allow_unverified"`
}

// SyncConfig tunes the outbound queue worker.
type SyncConfig struct {
	Interval             Duration `toml:"interval"`
	RequestTimeout       Duration `toml:"request_timeout"`
	SubmissionsPerSecond float64  `toml:"submissions_per_second"`
}

// ReferenceConfig tunes the reference data cache.
type ReferenceConfig struct {
	RefreshInterval Duration `toml:"refresh_interval"`
	StaleAfter      Duration `toml:"stale_after"`
	DirectHosts     []string `toml:"direct_hosts"`
}

// Duration is a time.Duration that encodes as a string such as "30s".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and defaults for everything else.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Endpoints: []EndpointConfig{
			{Name: "site-lan", URL: "http://fieldsync.lan:8082", Type: "local", Priority: 2},
			{Name: "cloud", URL: "https://fieldsync.example.com", Type: "cloud", Priority: 1},
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Encryption: EncryptionConfig{
			Type:         "age",
			IdentityPath: filepath.Join(baseDir, "keys", "device.key"),
		},
		Connection: ConnectionConfig{
			ProbeTimeout:    D(5 * time.Second),
			CheckInterval:   D(30 * time.Second),
			AllowUnverified: true,
		},
		Sync: SyncConfig{
			Interval:             D(30 * time.Second),
			RequestTimeout:       D(15 * time.Second),
			SubmissionsPerSecond: 5,
		},
		Reference: ReferenceConfig{
			RefreshInterval: D(15 * time.Minute),
			StaleAfter:      D(4 * time.Hour),
			DirectHosts:     []string{"http://localhost:8082"},
		},
	}
}

// ApplyDefaults fills zero-valued tunables so older config files keep working.
func (c *Config) ApplyDefaults() {
	def := NewConfig(c.DeviceID, c.BaseDir)
	if c.LogDir == "" {
		c.LogDir = def.LogDir
	}
	if c.Connection.ProbeTimeout.Duration <= 0 {
		c.Connection.ProbeTimeout = def.Connection.ProbeTimeout
	}
	if c.Connection.CheckInterval.Duration <= 0 {
		c.Connection.CheckInterval = def.Connection.CheckInterval
	}
	if c.Sync.Interval.Duration <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Sync.RequestTimeout.Duration <= 0 {
		c.Sync.RequestTimeout = def.Sync.RequestTimeout
	}
	if c.Sync.SubmissionsPerSecond <= 0 {
		c.Sync.SubmissionsPerSecond = def.Sync.SubmissionsPerSecond
	}
	if c.Reference.RefreshInterval.Duration <= 0 {
		c.Reference.RefreshInterval = def.Reference.RefreshInterval
	}
	if c.Reference.StaleAfter.Duration <= 0 {
		c.Reference.StaleAfter = def.Reference.StaleAfter
	}
}

// Validate checks the fields the application cannot run without.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("endpoint %d (%s): url is required", i, ep.Name)
		}
		switch ep.Type {
		case "cloud", "local":
		default:
			return fmt.Errorf("endpoint %d (%s): unknown type %q", i, ep.Name, ep.Type)
		}
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
