package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/butter-bot-machines/kestrel/pkg/config/env"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in a kestrel directory
const FileName = "kestrel.yaml"

// Mount types
const (
	MountMemFS = "memfs"
	MountEmuFS = "emufs"
)

// Accounting drivers
const (
	AcctNone   = "none"
	AcctMemory = "memory"
	AcctSQLite = "sqlite"
)

// Config represents the root configuration structure
type Config struct {
	Version    string           `yaml:"version"`
	Limits     Limits           `yaml:"limits"`
	Logging    LoggingConfig    `yaml:"logging"`
	Mounts     []Mount          `yaml:"mounts"`
	Boot       BootConfig       `yaml:"boot"`
	Accounting AccountingConfig `yaml:"accounting"`
}

// Limits holds the fixed table sizes of the kernel
type Limits struct {
	// OpenMax is the number of slots in every descriptor table
	OpenMax int `yaml:"open_max"`
	// PIDMin is the first pid handed out; the kernel process takes it
	PIDMin int `yaml:"pid_min"`
	// PIDMax bounds the process table; pids are never reused
	PIDMax int `yaml:"pid_max"`
	// PathMax bounds path arguments, including the terminating NUL
	PathMax int `yaml:"path_max"`
	// ArgMax bounds the bytes execv copies onto the new stack
	ArgMax int `yaml:"arg_max"`
	// MaxThreads caps concurrently running threads, 0 for no cap
	MaxThreads int `yaml:"max_threads"`
	// Frames is the physical page budget, 0 for no limit
	Frames int `yaml:"frames"`
}

// LoggingConfig selects the kernel log level and format
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Mount describes one filesystem in the namespace
type Mount struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Source is the host directory backing an emufs mount
	Source string `yaml:"source,omitempty"`
	// CacheSize bounds the emufs vnode cache
	CacheSize int `yaml:"cache_size,omitempty"`
}

// BootConfig names the filesystem that unqualified absolute paths resolve on
type BootConfig struct {
	BootFS string `yaml:"bootfs"`
}

// AccountingConfig selects where process accounting records go
type AccountingConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// Defaults returns the configuration used when no file overrides it
func Defaults() *Config {
	return &Config{
		Version: "1.0",
		Limits: Limits{
			OpenMax:    128,
			PIDMin:     2,
			PIDMax:     32768,
			PathMax:    1024,
			ArgMax:     65536,
			MaxThreads: 0,
			Frames:     0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Mounts: []Mount{
			{Name: "root", Type: MountMemFS},
		},
		Boot: BootConfig{
			BootFS: "root",
		},
		Accounting: AccountingConfig{
			Driver: AcctMemory,
		},
	}
}

// Load reads, expands, overrides and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative host paths are relative to the config file
	cfg.resolvePaths(filepath.Dir(path))

	cfg.ApplyEnvironment(env.WithPrefix("KESTREL_"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and expands ${VAR} references
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.expandEnvironment()
	return cfg, nil
}

// Save writes cfg as YAML to path, creating the directory if needed
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// expandEnvironment expands environment variables in string values
func (c *Config) expandEnvironment() {
	c.Logging.Level = os.ExpandEnv(c.Logging.Level)
	c.Boot.BootFS = os.ExpandEnv(c.Boot.BootFS)
	c.Accounting.Driver = os.ExpandEnv(c.Accounting.Driver)
	c.Accounting.Path = os.ExpandEnv(c.Accounting.Path)
	for i := range c.Mounts {
		c.Mounts[i].Name = os.ExpandEnv(c.Mounts[i].Name)
		c.Mounts[i].Source = os.ExpandEnv(c.Mounts[i].Source)
	}
}

func (c *Config) resolvePaths(base string) {
	for i := range c.Mounts {
		if src := c.Mounts[i].Source; src != "" && !filepath.IsAbs(src) {
			c.Mounts[i].Source = filepath.Join(base, src)
		}
	}
	if p := c.Accounting.Path; p != "" && !filepath.IsAbs(p) {
		c.Accounting.Path = filepath.Join(base, p)
	}
}

// ApplyEnvironment overrides configured values with those set in e
func (c *Config) ApplyEnvironment(e Environment) {
	ints := map[string]*int{
		"OPEN_MAX":    &c.Limits.OpenMax,
		"PID_MIN":     &c.Limits.PIDMin,
		"PID_MAX":     &c.Limits.PIDMax,
		"PATH_MAX":    &c.Limits.PathMax,
		"ARG_MAX":     &c.Limits.ArgMax,
		"MAX_THREADS": &c.Limits.MaxThreads,
		"FRAMES":      &c.Limits.Frames,
	}
	for key, field := range ints {
		if e.Has(key) {
			*field = e.GetInt(key)
		}
	}

	if e.Has("LOG_LEVEL") {
		c.Logging.Level = e.GetString("LOG_LEVEL")
	}
	if e.Has("LOG_JSON") {
		c.Logging.JSON = e.GetBool("LOG_JSON")
	}
	if e.Has("BOOTFS") {
		c.Boot.BootFS = e.GetString("BOOTFS")
	}
	if e.Has("ACCT_DRIVER") {
		c.Accounting.Driver = e.GetString("ACCT_DRIVER")
	}
	if e.Has("ACCT_PATH") {
		c.Accounting.Path = e.GetString("ACCT_PATH")
	}
}

// Validate performs configuration validation
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, c.Version)
	}

	l := c.Limits
	switch {
	case l.PIDMin < 1:
		return fmt.Errorf("%w: pid_min must be at least 1", ErrInvalidLimits)
	case l.PIDMax <= l.PIDMin:
		return fmt.Errorf("%w: pid_max must exceed pid_min", ErrInvalidLimits)
	case l.OpenMax < 3:
		return fmt.Errorf("%w: open_max must leave room for the console descriptors", ErrInvalidLimits)
	case l.PathMax <= 0:
		return fmt.Errorf("%w: path_max must be positive", ErrInvalidLimits)
	case l.ArgMax <= 0:
		return fmt.Errorf("%w: arg_max must be positive", ErrInvalidLimits)
	case l.MaxThreads < 0 || l.Frames < 0:
		return fmt.Errorf("%w: max_threads and frames cannot be negative", ErrInvalidLimits)
	}

	seen := make(map[string]bool)
	for _, m := range c.Mounts {
		if m.Name == "" {
			return fmt.Errorf("%w: mount without a name", ErrInvalidMount)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: mount %q listed twice", ErrInvalidMount, m.Name)
		}
		seen[m.Name] = true

		switch m.Type {
		case MountMemFS:
		case MountEmuFS:
			if m.Source == "" {
				return fmt.Errorf("%w: emufs mount %q needs a source", ErrInvalidMount, m.Name)
			}
		default:
			return fmt.Errorf("%w: mount %q has unknown type %q", ErrInvalidMount, m.Name, m.Type)
		}
	}

	if c.Boot.BootFS != "" && !seen[c.Boot.BootFS] {
		return fmt.Errorf("%w: bootfs %q is not mounted", ErrInvalidBoot, c.Boot.BootFS)
	}

	switch c.Accounting.Driver {
	case "", AcctNone, AcctMemory:
	case AcctSQLite:
		if c.Accounting.Path == "" {
			return fmt.Errorf("%w: sqlite accounting needs a path", ErrInvalidAccounting)
		}
	default:
		return fmt.Errorf("%w: unknown accounting driver %q", ErrInvalidAccounting, c.Accounting.Driver)
	}

	return nil
}
