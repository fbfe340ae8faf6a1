// Package config loads and saves the peer-chat configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const fileName = "config.toml"

// Config holds all node configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	Handle       string `toml:"handle"`
	IdentityFile string `toml:"identity_file"`
}

// DiscoveryConfig controls how long the node stays discoverable and
// discovering.
type DiscoveryConfig struct {
	DiscoverableTimeout Duration `toml:"discoverable_timeout"`
	DiscoveryTimeout    Duration `toml:"discovery_timeout"`
	PingInterval        Duration `toml:"ping_interval"`
	ServiceName         string   `toml:"service_name"`
	Domain              string   `toml:"domain"`
}

type TransportConfig struct {
	ListenAddrs []string `toml:"listen_addrs"`
	SendTimeout Duration `toml:"send_timeout"`
}

type StoreConfig struct {
	Path         string `toml:"path"`
	HistoryLimit int    `toml:"history_limit"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "60s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	home := Home()
	return Config{
		Node: NodeConfig{
			Handle:       defaultHandle(),
			IdentityFile: filepath.Join(home, "identity.key"),
		},
		Discovery: DiscoveryConfig{
			DiscoverableTimeout: Duration{60 * time.Second},
			DiscoveryTimeout:    Duration{10 * time.Second},
			PingInterval:        Duration{5 * time.Second},
			ServiceName:         "_peer-chat._tcp",
			Domain:              "local.",
		},
		Transport: TransportConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			SendTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{
			Path:         filepath.Join(home, "history.sqlite3"),
			HistoryLimit: 50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Home(), fileName)
}

// LoadConfig reads the config at path, falling back to defaults for a
// missing file or missing keys. An empty path means Path().
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = Path()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		logrus.Warnf("Ignoring unknown config keys: %v", undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, creating its directory. An empty path means
// Path().
func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Validate reports every setting that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if c.Node.Handle == "" {
		errs = append(errs, errors.New("node.handle must not be empty"))
	}
	if c.Discovery.DiscoverableTimeout.Duration <= 0 {
		errs = append(errs, errors.New("discovery.discoverable_timeout must be positive"))
	}
	if c.Discovery.DiscoveryTimeout.Duration <= 0 {
		errs = append(errs, errors.New("discovery.discovery_timeout must be positive"))
	}
	if c.Discovery.PingInterval.Duration <= 0 {
		errs = append(errs, errors.New("discovery.ping_interval must be positive"))
	}
	if c.Discovery.PingInterval.Duration > c.Discovery.DiscoverableTimeout.Duration {
		errs = append(errs, errors.New("discovery.ping_interval must not exceed discoverable_timeout"))
	}
	if len(c.Transport.ListenAddrs) == 0 {
		errs = append(errs, errors.New("transport.listen_addrs must not be empty"))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Home returns the peer-chat data directory.
func Home() string {
	if env := os.Getenv("PEERCHAT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".peer-chat")
}

func defaultHandle() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "anonymous"
}
