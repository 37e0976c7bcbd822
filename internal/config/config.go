// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/Mach-34/grapevine/internal/folding"
	"github.com/Mach-34/grapevine/internal/proofchain"
)

// Backend names accepted in [store] backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Paths holds XDG-compliant paths for grapevine.
type Paths struct {
	ConfigDir   string // ~/.config/grapevine
	DataDir     string // ~/.local/share/grapevine
	ConfigFile  string // ~/.config/grapevine/config.toml
	KeystoreDir string // ~/.local/share/grapevine/keys
	SocketPath  string // ~/.local/share/grapevine/admin.sock
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "grapevine")
	dataDir := filepath.Join(home, ".local", "share", "grapevine")

	return Paths{
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(configDir, "config.toml"),
		KeystoreDir: filepath.Join(dataDir, "keys"),
		SocketPath:  filepath.Join(dataDir, "admin.sock"),
	}
}

// EnsureDirectories creates config, data and keystore directories if they
// don't exist.
func (p Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.KeystoreDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Config holds configuration for the grapevine binary.
type Config struct {
	Store    StoreConfig       `toml:"store"`
	Chain    proofchain.Config `toml:"chain"`
	Folding  folding.Config    `toml:"folding"`
	Log      LogConfig         `toml:"log"`
	Identity IdentityConfig    `toml:"identity"`
}

// StoreConfig selects and configures the proof-chain backend.
type StoreConfig struct {
	Backend        string `toml:"backend"`
	RedisURL       string `toml:"redis_url"`
	KeyPrefix      string `toml:"key_prefix"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
}

// LockTTL returns the per-key lock lease.
func (s StoreConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// IdentityConfig holds keystore settings.
type IdentityConfig struct {
	KeystoreDir string `toml:"keystore_dir"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	paths := DefaultPaths()
	return Config{
		Store: StoreConfig{
			Backend:        BackendMemory,
			RedisURL:       "redis://localhost:6379/0",
			KeyPrefix:      "gv",
			LockTTLSeconds: 30,
		},
		Chain:   proofchain.DefaultConfig(),
		Folding: folding.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
		Identity: IdentityConfig{
			KeystoreDir: paths.KeystoreDir,
		},
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config: store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.LockTTLSeconds <= 0 {
		return fmt.Errorf("config: store.lock_ttl_seconds must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	if err := c.Chain.Validate(); err != nil {
		return err
	}
	return c.Folding.Validate()
}

// Load loads a Config from a TOML file over the defaults.
// Paths with ~ are expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	cfg.Identity.KeystoreDir = ExpandPath(cfg.Identity.KeystoreDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		return &cfg, nil
	}
	return Load(path)
}
