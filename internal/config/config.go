package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from a TOML file.
type Config struct {
	// DataDir holds one credential bundle directory per instance plus
	// the app database and the media fallback tree.
	DataDir string `toml:"data_dir"`

	HTTP      HTTP      `toml:"http"`
	Reconnect Reconnect `toml:"reconnect"`
	Dedup     Dedup     `toml:"dedup"`
	Storage   Storage   `toml:"storage"`
	Webhook   Webhook   `toml:"webhook"`
	Pipeline  Pipeline  `toml:"pipeline"`
}

// HTTP configures the listener that serves the media fallback files.
type HTTP struct {
	ListenAddr string `toml:"listen_addr"`
	// PublicBaseURL is the origin under which fallback media files are
	// reachable, e.g. "http://localhost:8080".
	PublicBaseURL string `toml:"public_base_url"`
}

// Reconnect configures the backoff policy applied after a transient close.
type Reconnect struct {
	// MaxRetries bounds consecutive reconnect attempts per instance.
	// Zero means retry forever.
	MaxRetries     int      `toml:"max_retries"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	// RestoreThrottle is the delay between sequential Create calls
	// during startup restore.
	RestoreThrottle Duration `toml:"restore_throttle"`
}

// Dedup configures the processed-message cache.
type Dedup struct {
	// Window is the span during which a repeated inbound message id is
	// treated as a redelivery.
	Window Duration `toml:"window"`
	// TTL is the age past which cache entries are swept.
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// Storage configures the object store used for media uploads.
type Storage struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Webhook configures the external callback fan-out.
type Webhook struct {
	// DefaultURL receives events for instances without their own URL.
	// Empty disables the callback leg entirely.
	DefaultURL string   `toml:"default_url"`
	Timeout    Duration `toml:"timeout"`
}

// Pipeline bounds in-flight ingestion work.
type Pipeline struct {
	MaxInflight int `toml:"max_inflight"`
}

// Duration wraps time.Duration for TOML decoding of strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration defaults applied before decoding.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".warelay"),
		HTTP: HTTP{
			ListenAddr:    "127.0.0.1:8080",
			PublicBaseURL: "http://127.0.0.1:8080",
		},
		Reconnect: Reconnect{
			MaxRetries:      0,
			InitialBackoff:  Duration(5 * time.Second),
			MaxBackoff:      Duration(5 * time.Minute),
			RestoreThrottle: Duration(2 * time.Second),
		},
		Dedup: Dedup{
			Window:        Duration(2 * time.Minute),
			TTL:           Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Webhook: Webhook{
			Timeout: Duration(5 * time.Second),
		},
		Pipeline: Pipeline{
			MaxInflight: 16,
		},
	}
}

// Load reads config from path on top of the defaults. A missing file is
// not an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the daemon.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive")
	}
	if c.Dedup.TTL < c.Dedup.Window {
		return fmt.Errorf("dedup.ttl must be >= dedup.window")
	}
	if c.Pipeline.MaxInflight <= 0 {
		return fmt.Errorf("pipeline.max_inflight must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
