// Package config loads and persists local instance settings and exposes
// them to the discovery and invite layers through a mutex-guarded provider.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "modsync"
	// DefaultDiscoveryPort is the UDP discovery port when no override exists.
	DefaultDiscoveryPort = 42810
	// DefaultTransferPortOffset is the conventional TCP transfer port offset.
	// The effective TCP port is advertised explicitly in every discovery
	// message, so peers never have to assume the convention held.
	DefaultTransferPortOffset = 100
	// DefaultMaxConcurrentTransfers bounds simultaneously active transfers.
	DefaultMaxConcurrentTransfers = 2
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Visibility controls who may discover this instance.
type Visibility string

const (
	VisibilityInvisible      Visibility = "invisible"
	VisibilityFriendsOnly    Visibility = "friends"
	VisibilityAuthorizedOnly Visibility = "authorized"
	VisibilityEveryone       Visibility = "everyone"
)

// ErrInvalidVisibility indicates an unrecognized visibility value.
var ErrInvalidVisibility = errors.New("config: invalid visibility")

func validVisibility(v Visibility) bool {
	switch v {
	case VisibilityInvisible, VisibilityFriendsOnly, VisibilityAuthorizedOnly, VisibilityEveryone:
		return true
	}
	return false
}

// Config contains persistent local instance settings.
type Config struct {
	PeerID                 string     `json:"peer_id"`
	Nickname               string     `json:"nickname"`
	ShowNickname           bool       `json:"show_nickname"`
	Enabled                bool       `json:"enabled"`
	Visibility             Visibility `json:"visibility"`
	DiscoveryPort          int        `json:"discovery_port"`
	TransferPortOffset     int        `json:"transfer_port_offset"`
	MaxConcurrentTransfers int        `json:"max_concurrent_transfers"`
	BlockedPeers           []string   `json:"blocked_peers"`
}

// TransferPort returns the conventional TCP transfer port.
func (c Config) TransferPort() int {
	return c.DiscoveryPort + c.TransferPortOffset
}

func (c Config) withDefaults() Config {
	out := c
	if out.DiscoveryPort == 0 {
		out.DiscoveryPort = DefaultDiscoveryPort
	}
	if out.TransferPortOffset == 0 {
		out.TransferPortOffset = DefaultTransferPortOffset
	}
	if out.MaxConcurrentTransfers == 0 {
		out.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if out.Visibility == "" {
		out.Visibility = VisibilityEveryone
	}
	return out
}

func (c Config) validate() error {
	if !validVisibility(c.Visibility) {
		return fmt.Errorf("%w: %q", ErrInvalidVisibility, c.Visibility)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("config: discovery port %d out of range", c.DiscoveryPort)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MODSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("MODSYNC_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "instances"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// InstancesDir returns the directory holding materialized game instances.
func InstancesDir(dataDir string) string {
	return filepath.Join(dataDir, "instances")
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save marshals and writes the config, replacing the previous file only
// after the new content is fully on disk.
func Save(path string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate loads config.json, creating it with generated defaults on
// first run. The generated peer ID is stable across restarts.
func LoadOrCreate(dataDir string) (*Config, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "modsync"
	}

	created := Config{
		PeerID:       uuid.NewString(),
		Nickname:     hostname,
		ShowNickname: true,
		Enabled:      true,
	}.withDefaults()

	if err := Save(path, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Provider gives concurrent readers a consistent settings view and lets the
// UI layer update settings while the services run.
type Provider struct {
	mu  sync.RWMutex
	cfg Config
}

// NewProvider wraps a loaded config.
func NewProvider(cfg *Config) *Provider {
	return &Provider{cfg: *cfg}
}

// Current returns a copy of the current settings.
func (p *Provider) Current() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.cfg
	out.BlockedPeers = append([]string(nil), p.cfg.BlockedPeers...)
	return out
}

// Update applies fn to the settings under the write lock.
func (p *Provider) Update(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.cfg)
}

// DiscoveryEnabled reports whether the discovery service should run.
func (p *Provider) DiscoveryEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Enabled
}

// DiscoveryVisibility returns the current visibility setting.
func (p *Provider) DiscoveryVisibility() Visibility {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Visibility
}

// PeerBlocked reports whether a peer ID is on the block list.
func (p *Provider) PeerBlocked(peerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.cfg.BlockedPeers {
		if id == peerID {
			return true
		}
	}
	return false
}

// LocalNickname returns the nickname to advertise, empty when the user
// chose not to share it.
func (p *Provider) LocalNickname() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.cfg.ShowNickname {
		return ""
	}
	return p.cfg.Nickname
}
