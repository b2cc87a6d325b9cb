package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"dms-go/internal/dms"
)

// Config represents the main configuration for dms.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Relay      RelayConfig      `toml:"relay"`
	Evaluator  EvaluatorConfig  `toml:"evaluator"`
	Release    ReleaseConfig    `toml:"release"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Delivery   DeliveryConfig   `toml:"delivery"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Encryption EncryptionConfig `toml:"encryption"`
	Tiers      []TierConfig     `toml:"tiers"`
}

// Duration is a time.Duration written as a Go duration string ("5s", "24h").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DatabaseConfig represents configuration for the switch database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// RelayConfig configures the relay client and the replicated store.
type RelayConfig struct {
	// Transports enables URL schemes: "ws" (also wss), "s3", "file", "mem".
	Transports     []string `toml:"transports"`
	Timeout        Duration `toml:"timeout"`
	ReadDeadline   Duration `toml:"read_deadline"`
	Quorum         string   `toml:"quorum"` // majority, all, one or N
	MaxIdleConns   int      `toml:"max_idle_conns"`
	MaxPayloadSize string   `toml:"max_payload_size"` // e.g. "1 MiB"
	SigningKeyPath string   `toml:"signing_key_path"`
	S3             S3Config `toml:"s3"`
}

// S3Config holds settings for s3:// relays. Empty credentials fall back to
// the default AWS credential chain.
type S3Config struct {
	Region          string `toml:"region,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `toml:"use_path_style,omitempty"`
}

// EvaluatorConfig configures the inactivity pass.
type EvaluatorConfig struct {
	ReminderFractions []float64 `toml:"reminder_fractions"`
	TriggerMargin     Duration  `toml:"trigger_margin"`
	PassDeadline      Duration  `toml:"pass_deadline"`
	Workers           int       `toml:"workers"`
}

// ReleaseConfig configures the release coordinator.
type ReleaseConfig struct {
	AlertAfterFailures int      `toml:"alert_after_failures"`
	Lease              Duration `toml:"lease"`
	CacheSize          string   `toml:"cache_size"` // e.g. "32 MiB"; "0" disables the cache
}

// CleanupConfig configures check-in codes and the cleanup pass.
type CleanupConfig struct {
	CodeTTL           Duration `toml:"code_ttl"`
	ConsumedRetention Duration `toml:"consumed_retention"`
	PendingContentTTL Duration `toml:"pending_content_ttl"`
	// OrphanGiveUp is how long the cleanup pass keeps retrying deletion of
	// an orphaned payload record before forgetting it.
	OrphanGiveUp Duration `toml:"orphan_give_up"`
}

// ScheduleConfig holds the cron expressions of the three passes.
type ScheduleConfig struct {
	Inactivity string `toml:"inactivity"`
	Release    string `toml:"release"`
	Cleanup    string `toml:"cleanup"`
}

// DeliveryConfig selects the delivery sink and notifiers.
// This uses a tagged union pattern - the Sink field determines which other fields are relevant.
type DeliveryConfig struct {
	Sink      string   `toml:"sink"`                // "spool" or "log"
	SpoolDir  string   `toml:"spool_dir,omitempty"` // only used for sink=spool and the spool notifier
	Notifiers []string `toml:"notifiers"`           // any of "log", "spool", "relay"
}

// MetricsConfig configures the Prometheus endpoint of dms serve.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// EncryptionConfig points at the owner's age key pair, used by the CLI to
// seal payloads before they are stored. The engine never sees the keys.
type EncryptionConfig struct {
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// TierConfig is one subscription tier.
type TierConfig struct {
	Name              string `toml:"name"`
	ReplicationFactor int    `toml:"replication_factor"`
	MaxActiveSwitches int    `toml:"max_active_switches"`
	MaxRelays         int    `toml:"max_relays"`
}

// Default returns a Config with every setting at its default and no
// directory-dependent paths.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Type: "sqlite"},
		Relay: RelayConfig{
			Transports:     []string{"ws", "s3", "file", "mem"},
			Timeout:        Duration{5 * time.Second},
			ReadDeadline:   Duration{30 * time.Second},
			Quorum:         "majority",
			MaxIdleConns:   2,
			MaxPayloadSize: "1 MiB",
		},
		Evaluator: EvaluatorConfig{
			ReminderFractions: dms.DefaultCascade().Fractions,
			PassDeadline:      Duration{10 * time.Minute},
			Workers:           8,
		},
		Release: ReleaseConfig{
			AlertAfterFailures: 3,
			Lease:              Duration{5 * time.Minute},
			CacheSize:          "32 MiB",
		},
		Cleanup: CleanupConfig{
			CodeTTL:           Duration{7 * 24 * time.Hour},
			ConsumedRetention: Duration{7 * 24 * time.Hour},
			PendingContentTTL: Duration{24 * time.Hour},
			OrphanGiveUp:      Duration{30 * 24 * time.Hour},
		},
		Schedule: ScheduleConfig{
			Inactivity: "*/30 * * * *",
			Release:    "0 * * * *",
			Cleanup:    "0 3 * * *",
		},
		Delivery: DeliveryConfig{
			Sink:      "spool",
			Notifiers: []string{"log"},
		},
		Metrics: MetricsConfig{ListenAddr: "127.0.0.1:9464"},
		Tiers: []TierConfig{
			{Name: "free", ReplicationFactor: 3, MaxActiveSwitches: 3, MaxRelays: 5},
			{Name: "pro", ReplicationFactor: 5, MaxActiveSwitches: 50, MaxRelays: 10},
		},
	}
}

// NewConfig creates a new Config with defaults and paths under baseDir.
func NewConfig(baseDir string) *Config {
	cfg := Default()
	cfg.BaseDir = baseDir
	cfg.LogDir = filepath.Join(baseDir, "log")
	cfg.Database.DataDir = filepath.Join(baseDir, "db")
	cfg.Relay.SigningKeyPath = filepath.Join(baseDir, "keys", "relay.key")
	cfg.Delivery.SpoolDir = filepath.Join(baseDir, "spool")
	cfg.Encryption.PublicKeyPath = filepath.Join(baseDir, "keys", "owner.pub")
	cfg.Encryption.PrivateKeyPath = filepath.Join(baseDir, "keys", "owner.key")
	return cfg
}

// Validate checks settings that would otherwise fail deep inside a pass.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			return fmt.Errorf("database.data_dir required for sqlite database")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database type: %q", c.Database.Type)
	}

	if _, err := dms.ParseQuorum(c.Relay.Quorum); err != nil {
		return fmt.Errorf("relay.quorum: %w", err)
	}
	for _, t := range c.Relay.Transports {
		if !slices.Contains([]string{"ws", "s3", "file", "mem"}, t) {
			return fmt.Errorf("relay.transports: unknown transport %q", t)
		}
	}
	if c.Relay.Timeout.Duration <= 0 || c.Relay.ReadDeadline.Duration <= 0 {
		return fmt.Errorf("relay.timeout and relay.read_deadline must be positive")
	}
	if _, err := c.MaxPayloadBytes(); err != nil {
		return err
	}
	if _, err := c.CacheBytes(); err != nil {
		return err
	}

	if err := c.Cascade().Validate(); err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}
	if c.Evaluator.Workers < 1 {
		return fmt.Errorf("evaluator.workers must be at least 1")
	}

	g := gronx.New()
	for name, expr := range map[string]string{
		"inactivity": c.Schedule.Inactivity,
		"release":    c.Schedule.Release,
		"cleanup":    c.Schedule.Cleanup,
	} {
		if !g.IsValid(expr) {
			return fmt.Errorf("schedule.%s: invalid cron expression %q", name, expr)
		}
	}

	switch c.Delivery.Sink {
	case "spool":
		if c.Delivery.SpoolDir == "" {
			return fmt.Errorf("delivery.spool_dir required for spool sink")
		}
	case "log":
	default:
		return fmt.Errorf("unknown delivery sink: %q", c.Delivery.Sink)
	}
	for _, n := range c.Delivery.Notifiers {
		switch n {
		case "log", "relay":
		case "spool":
			if c.Delivery.SpoolDir == "" {
				return fmt.Errorf("delivery.spool_dir required for spool notifier")
			}
		default:
			return fmt.Errorf("unknown notifier: %q", n)
		}
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured")
	}
	seen := map[string]bool{}
	for _, t := range c.Tiers {
		if t.Name == "" || seen[t.Name] {
			return fmt.Errorf("tier names must be unique and non-empty, got %q", t.Name)
		}
		seen[t.Name] = true
		if t.ReplicationFactor < 1 || t.MaxRelays < t.ReplicationFactor || t.MaxActiveSwitches < 1 {
			return fmt.Errorf("tier %s: need replication_factor >= 1, max_relays >= replication_factor, max_active_switches >= 1", t.Name)
		}
	}
	return nil
}

// Cascade builds the reminder cascade from the evaluator section.
func (c *Config) Cascade() dms.Cascade {
	return dms.Cascade{
		Fractions:     c.Evaluator.ReminderFractions,
		TriggerMargin: c.Evaluator.TriggerMargin.Duration,
	}
}

// TierTable converts the configured tiers.
func (c *Config) TierTable() dms.TierTable {
	table := make(dms.TierTable, len(c.Tiers))
	for _, t := range c.Tiers {
		table[t.Name] = dms.Tier{
			Name:              t.Name,
			ReplicationFactor: t.ReplicationFactor,
			MaxActiveSwitches: t.MaxActiveSwitches,
			MaxRelays:         t.MaxRelays,
		}
	}
	return table
}

// MaxPayloadBytes parses relay.max_payload_size. Empty means unlimited.
func (c *Config) MaxPayloadBytes() (int, error) {
	return parseSize("relay.max_payload_size", c.Relay.MaxPayloadSize)
}

// CacheBytes parses release.cache_size. Zero disables the cache.
func (c *Config) CacheBytes() (int, error) {
	return parseSize("release.cache_size", c.Release.CacheSize)
}

func parseSize(field, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return int(n), nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Settings missing from the
// input keep their defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Default()
	// Tier tables decode into a fresh slice so no field leaks from a default tier.
	cfg.Tiers = nil
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if !md.IsDefined("tiers") {
		cfg.Tiers = Default().Tiers
	}
	return cfg, nil
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
