package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/ankouros/pchannel/internal/model"
)

const (
	ConfigFileName = "user_config.json"

	ConfigVersionCurrent = 1

	DefaultHost        = "127.0.0.1"
	DefaultCentralPort = 8000
	DefaultDataDir     = "data"
)

var cfgMu sync.Mutex

// Config is the persisted identity of one peer. It lives in the peer's
// private directory so a restart can resume with the same name and port.
type Config struct {
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Host        string `json:"host,omitempty"`
	CentralHost string `json:"centralHost,omitempty"`
	CentralPort int    `json:"centralPort,omitempty"`
	DataDir     string `json:"dataDir,omitempty"`

	Timing Timing `json:"-"`
}

// -----------------------------
// Defaults
// -----------------------------

func DefaultConfig(name string, port int) Config {
	return Config{
		Version:     ConfigVersionCurrent,
		Name:        name,
		Port:        port,
		Host:        DefaultHost,
		CentralHost: DefaultHost,
		CentralPort: DefaultCentralPort,
		DataDir:     DefaultDataDir,
		Timing:      DefaultTiming(),
	}
}

func (c Config) Identity() model.PeerIdentity {
	return model.PeerIdentity{Name: c.Name, Port: c.Port}
}

// CentralAddr returns host:port of the directory server, or "" when
// registration is disabled.
func (c Config) CentralAddr() string {
	if c.CentralHost == "" || c.CentralPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.CentralHost, c.CentralPort)
}

// PrivateDir is the per-peer directory holding history, received files and
// the config file itself.
func (c Config) PrivateDir() string {
	return filepath.Join(c.DataDir, c.Name)
}

func (c Config) Validate() error {
	if err := c.Identity().Validate(); err != nil {
		return err
	}
	if c.Port+c.Timing.VideoPortOffset > 65535 {
		return fmt.Errorf("port %d leaves no room for the video port", c.Port)
	}
	if c.CentralPort < 0 || c.CentralPort > 65535 {
		return fmt.Errorf("central port %d out of range", c.CentralPort)
	}
	return nil
}

// -----------------------------
// Paths
// -----------------------------

func ConfigPath(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}

// EnsureConfig loads the config stored in dir, creating it from cfg when
// missing. Flags given on the command line win over stored values.
func EnsureConfig(dir string, cfg Config) (Config, string, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	p := ConfigPath(dir)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		normalize(&cfg)
		if cfg.Timing == (Timing{}) {
			cfg.Timing = DefaultTiming()
		}
		if err := saveLocked(dir, cfg); err != nil {
			return Config{}, "", err
		}
		return cfg, p, nil
	}

	stored, err := loadLocked(dir)
	if err != nil {
		return Config{}, "", err
	}
	if overlay(&stored, cfg) {
		if err := saveLocked(dir, stored); err != nil {
			return Config{}, "", err
		}
	}
	stored.Timing = cfg.Timing
	if stored.Timing == (Timing{}) {
		stored.Timing = DefaultTiming()
	}
	return stored, p, nil
}

func Load(dir string) (Config, error) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return loadLocked(dir)
}

func loadLocked(dir string) (Config, error) {
	b, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config JSON: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = ConfigVersionCurrent
	}
	if cfg.Version != ConfigVersionCurrent {
		return Config{}, fmt.Errorf(
			"unsupported config version %d (expected %d)",
			cfg.Version,
			ConfigVersionCurrent,
		)
	}

	if normalize(&cfg) {
		if err := saveLocked(dir, cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.Timing = DefaultTiming()
	return cfg, nil
}

func normalize(cfg *Config) bool {
	changed := false
	if name := strings.TrimSpace(cfg.Name); name != cfg.Name {
		cfg.Name = name
		changed = true
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
		changed = true
	}
	if cfg.CentralHost == "" && cfg.CentralPort != 0 {
		cfg.CentralHost = cfg.Host
		changed = true
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
		changed = true
	}
	if cfg.Version != ConfigVersionCurrent {
		cfg.Version = ConfigVersionCurrent
		changed = true
	}
	return changed
}

// overlay copies the non-zero fields of src onto dst.
func overlay(dst *Config, src Config) bool {
	changed := false
	if src.Port != 0 && src.Port != dst.Port {
		dst.Port = src.Port
		changed = true
	}
	if src.Host != "" && src.Host != dst.Host {
		dst.Host = src.Host
		changed = true
	}
	if src.CentralHost != "" && src.CentralHost != dst.CentralHost {
		dst.CentralHost = src.CentralHost
		changed = true
	}
	if src.CentralPort != 0 && src.CentralPort != dst.CentralPort {
		dst.CentralPort = src.CentralPort
		changed = true
	}
	if src.DataDir != "" && src.DataDir != dst.DataDir {
		dst.DataDir = src.DataDir
		changed = true
	}
	return changed
}

func Save(dir string, cfg Config) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	return saveLocked(dir, cfg)
}

func saveLocked(dir string, cfg Config) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	p := ConfigPath(dir)

	cfg.Version = ConfigVersionCurrent

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := p + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, p); err != nil {
		return err
	}

	// fsync directory for durability
	if df, err := os.Open(dir); err == nil {
		_ = syscall.Fsync(int(df.Fd()))
		df.Close()
	}

	return nil
}
