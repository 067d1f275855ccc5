package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend values accepted by Config.Backend.
const (
	BackendAuto    = "auto"
	BackendOverlay = "overlay"
	BackendExport  = "export"
	BackendArchive = "archive"
)

// Config holds user settings. Zero values are filled by Default; CLI flags
// override whatever was loaded.
type Config struct {
	Runtime             string        `yaml:"runtime"`
	Backend             string        `yaml:"backend"`
	StorageRoot         string        `yaml:"storage_root"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	Output              string        `yaml:"output"`
	Parallelism         int           `yaml:"parallelism"`
	ExportTimeout       time.Duration `yaml:"export_timeout"`
	ContainerdNamespace string        `yaml:"containerd_namespace"`
	PodmanArchiveFormat string        `yaml:"podman_archive_format"`
	MaxMetadataSize     int64         `yaml:"max_metadata_size"`
	// Platform selects from multi-platform archives as os/arch[/variant];
	// empty means the host.
	Platform            string        `yaml:"platform,omitempty"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Backend:             BackendAuto,
		LogLevel:            "info",
		LogFormat:           "text",
		Output:              "table",
		Parallelism:         4,
		ExportTimeout:       10 * time.Minute,
		ContainerdNamespace: "default",
		PodmanArchiveFormat: "oci-archive",
		MaxMetadataSize:     16 << 20,
	}
}

// DefaultPath is $PEEL_CONFIG, else $XDG_CONFIG_HOME/peel/config.yaml, else
// ~/.config/peel/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("PEEL_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "peel", "config.yaml")
}

// Load reads path over the defaults. An empty path means DefaultPath; a
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %v", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays PEEL_RUNTIME, PEEL_BACKEND, PEEL_STORAGE_ROOT and LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PEEL_RUNTIME"); v != "" {
		c.Runtime = v
	}
	if v := os.Getenv("PEEL_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("PEEL_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks enumerated fields and numeric bounds.
func (c *Config) Validate() error {
	var problems []string

	switch c.Runtime {
	case "", "docker", "podman", "containerd":
	default:
		problems = append(problems, fmt.Sprintf("unknown runtime %q", c.Runtime))
	}

	switch c.Backend {
	case "", BackendAuto, BackendOverlay, BackendExport, BackendArchive:
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q", c.Backend))
	}

	switch c.Output {
	case "", "json", "yaml", "table":
	default:
		problems = append(problems, fmt.Sprintf("unknown output %q", c.Output))
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}

	switch c.PodmanArchiveFormat {
	case "", "oci-archive", "docker-archive":
	default:
		problems = append(problems, fmt.Sprintf("unknown podman archive format %q", c.PodmanArchiveFormat))
	}

	// The override replaces one runtime's default root.
	if c.StorageRoot != "" && c.Runtime == "" {
		problems = append(problems, "storage_root requires a runtime")
	}

	if c.Parallelism < 1 {
		problems = append(problems, "parallelism must be at least 1")
	}
	if c.ExportTimeout < 0 {
		problems = append(problems, "export_timeout must not be negative")
	}
	if c.Platform != "" && strings.Count(c.Platform, "/") < 1 {
		problems = append(problems, fmt.Sprintf("platform %q is not os/arch", c.Platform))
	}
	if c.MaxMetadataSize <= 0 {
		problems = append(problems, "max_metadata_size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Marshal renders the config as YAML, used by `peel config`.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
