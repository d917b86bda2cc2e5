package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "djmesh"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DJMESH_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// DefaultUIAddress is where the UI bridge listens.
	DefaultUIAddress = "127.0.0.1:8787"
	// DefaultInviteTimeoutMS bounds a listener's invitation to a DJ.
	DefaultInviteTimeoutMS = 10_000
	// DefaultMutationTimeoutMS bounds how long a queue edit waits for its turn.
	DefaultMutationTimeoutMS = 4_000
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// databaseFileName matches storage.DefaultDBFileName.
	databaseFileName = "djmesh.db"
)

// Profile is the user-facing profile shared with peers.
type Profile struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID          string  `json:"device_id"`
	DeviceName        string  `json:"device_name"`
	Profile           Profile `json:"profile"`
	PortMode          string  `json:"port_mode"`
	ListeningPort     int     `json:"listening_port"`
	IdentityKeyPath   string  `json:"identity_key_path"`
	UIAddress         string  `json:"ui_address"`
	InviteTimeoutMS   int     `json:"invite_timeout_ms"`
	MutationTimeoutMS int     `json:"mutation_timeout_ms"`
}

// ListenAddress returns the TCP address the transport should bind.
func (c *DeviceConfig) ListenAddress() string {
	port := 0
	if c.PortMode == PortModeFixed {
		port = c.ListeningPort
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// InviteTimeout returns the configured invitation bound.
func (c *DeviceConfig) InviteTimeout() time.Duration {
	return time.Duration(c.InviteTimeoutMS) * time.Millisecond
}

// MutationTimeout returns the configured queue token wait.
func (c *DeviceConfig) MutationTimeout() time.Duration {
	return time.Duration(c.MutationTimeoutMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DJMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// DatabasePath returns the SQLite path for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then
// returns both. An empty dataDir resolves the default location.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "djmesh device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if strings.TrimSpace(cfg.Profile.Name) == "" {
		cfg.Profile.Name = cfg.DeviceName
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.IdentityKeyPath == "" {
		cfg.IdentityKeyPath = filepath.Join(dataDir, "keys", "ed25519_private.pem")
		updated = true
	}

	if cfg.UIAddress == "" {
		cfg.UIAddress = DefaultUIAddress
		updated = true
	}

	if cfg.InviteTimeoutMS <= 0 {
		cfg.InviteTimeoutMS = DefaultInviteTimeoutMS
		updated = true
	}

	if cfg.MutationTimeoutMS <= 0 {
		cfg.MutationTimeoutMS = DefaultMutationTimeoutMS
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
