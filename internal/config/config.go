// Package config loads and persists the semfold daemon configuration.
// Folder registrations added or removed at runtime are written back to the
// config file so they survive daemon restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/semfold/semfold/internal/errors"
)

// Config represents the complete semfold configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	Daemon  DaemonConfig  `yaml:"daemon" json:"daemon"`
	Models  []ModelConfig `yaml:"models" json:"models"`
	Folders []FolderEntry `yaml:"folders" json:"folders"`
}

// DaemonConfig configures the daemon process.
type DaemonConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `yaml:"socket_path" json:"socket_path"`

	// DataDir holds indexes, model weights, and the pidfile.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ExistenceCheckInterval is how often active folders are checked for
	// on-disk existence. Filesystem delete events are unreliable across
	// platforms, so polling backs up the watcher.
	ExistenceCheckInterval time.Duration `yaml:"existence_check_interval" json:"existence_check_interval"`

	// ModelLoadTimeout bounds a single backend load operation.
	ModelLoadTimeout time.Duration `yaml:"model_load_timeout" json:"model_load_timeout"`

	// PreemptionTimeout bounds the suspend handshake with a driving folder.
	PreemptionTimeout time.Duration `yaml:"preemption_timeout" json:"preemption_timeout"`

	// WatchDebounce is the settle time before file events trigger a rescan.
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
}

// ModelConfig describes one entry of the embedding model catalog.
type ModelConfig struct {
	// ID is the model identifier folders reference (e.g. "gemma-768-gpu").
	ID string `yaml:"id" json:"id"`

	// Backend is the backend kind: "gpu-process", "cpu-runtime", or "remote-http".
	Backend string `yaml:"backend" json:"backend"`

	// Dimension is the embedding dimension produced by this model.
	Dimension int `yaml:"dimension" json:"dimension"`

	// WeightsURL is where weights are downloaded from when absent.
	// Empty for remote-http models, which have no local weights.
	WeightsURL string `yaml:"weights_url,omitempty" json:"weights_url,omitempty"`

	// Endpoint is the remote embedding endpoint (remote-http only).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// FolderEntry is a persisted folder registration.
type FolderEntry struct {
	Path    string `yaml:"path" json:"path"`
	ModelID string `yaml:"model" json:"model"`
}

// Default returns the default configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	base := filepath.Join(home, ".semfold")

	return &Config{
		Version: 1,
		Daemon: DaemonConfig{
			SocketPath:             filepath.Join(base, "daemon.sock"),
			DataDir:                base,
			LogLevel:               "info",
			ExistenceCheckInterval: 10 * time.Second,
			ModelLoadTimeout:       60 * time.Second,
			PreemptionTimeout:      30 * time.Second,
			WatchDebounce:          500 * time.Millisecond,
		},
		Models: []ModelConfig{
			{ID: "folder-mini-cpu", Backend: "cpu-runtime", Dimension: 256},
		},
	}
}

// DefaultPath returns the default config file path (~/.semfold/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".semfold", "config.yaml")
	}
	return filepath.Join(home, ".semfold", "config.yaml")
}

// Load reads configuration from the given path.
// A missing file yields the default configuration, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrap(errors.ErrCodeConfigNotFound, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to the given path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}

	// Write via temp file + rename so a crash never leaves a half-written config
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}
	return nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "model entry missing id", nil)
		}
		if seen[m.ID] {
			return errors.Newf(errors.ErrCodeConfigInvalid, "duplicate model id %q", m.ID)
		}
		seen[m.ID] = true

		switch m.Backend {
		case "gpu-process", "cpu-runtime", "remote-http":
		default:
			return errors.Newf(errors.ErrCodeConfigInvalid, "model %q has unknown backend %q", m.ID, m.Backend)
		}
		if m.Dimension <= 0 {
			return errors.Newf(errors.ErrCodeConfigInvalid, "model %q has invalid dimension %d", m.ID, m.Dimension)
		}
	}

	folderSeen := make(map[string]bool, len(c.Folders))
	for _, f := range c.Folders {
		if f.Path == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "folder entry missing path", nil)
		}
		if folderSeen[f.Path] {
			return errors.Newf(errors.ErrCodeConfigInvalid, "duplicate folder path %q", f.Path)
		}
		folderSeen[f.Path] = true
		if !seen[f.ModelID] {
			return errors.Newf(errors.ErrCodeConfigInvalid, "folder %q references unknown model %q", f.Path, f.ModelID)
		}
	}

	return nil
}

// AddFolder appends a folder registration.
// Returns ErrCodeFolderExists if the path is already registered.
func (c *Config) AddFolder(path, modelID string) error {
	for _, f := range c.Folders {
		if f.Path == path {
			return errors.Newf(errors.ErrCodeFolderExists, "folder already registered: %s", path)
		}
	}
	c.Folders = append(c.Folders, FolderEntry{Path: path, ModelID: modelID})
	return nil
}

// RemoveFolder removes a folder registration by path.
// Returns ErrCodeFolderUnknown if the path is not registered.
func (c *Config) RemoveFolder(path string) error {
	for i, f := range c.Folders {
		if f.Path == path {
			c.Folders = append(c.Folders[:i], c.Folders[i+1:]...)
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeFolderUnknown, "folder not registered: %s", path)
}

// Model looks up a catalog entry by id.
func (c *Config) Model(id string) (ModelConfig, error) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, nil
		}
	}
	return ModelConfig{}, errors.Newf(errors.ErrCodeModelUnknown, "unknown model: %s", id)
}

// String implements fmt.Stringer for debug logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{models=%d folders=%d socket=%s}", len(c.Models), len(c.Folders), c.Daemon.SocketPath)
}
