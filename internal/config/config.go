// Package config loads kerneld's server configuration from (in
// increasing precedence) a YAML file, environment variables, and CLI
// flags — fulfilling the "-c/--config kerneld.yaml" surface the server
// command exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	Addr            string `yaml:"addr"`
	DockerAgentPath string `yaml:"docker_agent_path"`
	InterruptDir    string `yaml:"interrupt_dir"`

	// AllowedKernelTypes whitelists "mode/language" pairs, e.g.
	// "sandboxed/python". Empty means every registered combination.
	AllowedKernelTypes []string `yaml:"allowed_kernel_types"`
	MaxKernels         int      `yaml:"max_kernels"`

	PoolEnabled    bool     `yaml:"pool_enabled"`
	PoolSize       int      `yaml:"pool_size"`
	PoolAutoRefill bool     `yaml:"pool_auto_refill"`
	// PoolPreload lists the "mode/language" buckets warmed at startup.
	PoolPreload []string `yaml:"pool_preload"`

	DefaultInactivity   time.Duration `yaml:"default_inactivity_timeout"`
	DefaultMaxExecution time.Duration `yaml:"default_max_execution_time"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns the built-in defaults applied before file/env/flag
// overrides.
func Default() Config {
	return Config{
		Addr:              ":8088",
		PoolEnabled:       true,
		PoolSize:          2,
		PoolAutoRefill:    true,
		DefaultInactivity: 15 * time.Minute,
		LogLevel:          "info",
		LogPretty:         false,
	}
}

// KernelTypes parses the "mode/language" pairs in raw. Malformed
// entries produce an error rather than being skipped, so a typo in the
// whitelist cannot silently widen policy.
func KernelTypes(raw []string) ([][2]string, error) {
	out := make([][2]string, 0, len(raw))
	for _, s := range raw {
		mode, lang, ok := strings.Cut(s, "/")
		if !ok || mode == "" || lang == "" {
			return nil, fmt.Errorf("config: malformed kernel type %q, want \"mode/language\"", s)
		}
		out = append(out, [2]string{mode, lang})
	}
	return out, nil
}

// Load builds a Config by layering, in order of increasing precedence:
// the built-in defaults, a YAML file at path (skipped if path is ""),
// environment variables (KERNELD_*), and the overrides passed in flags.
// flags carries only the values that were explicitly set on the command
// line — a nil field is treated as "not set", while a non-nil field
// overrides even when it points at a zero value.
func Load(path string, flags Overrides) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	flags.applyTo(&cfg)

	return cfg, nil
}

// Overrides carries command-line flag values. A nil pointer field means
// "flag not set"; a non-nil pointer overrides the file/env value.
type Overrides struct {
	Addr     *string
	PoolSize *int
	LogLevel *string
}

func (o Overrides) applyTo(cfg *Config) {
	if o.Addr != nil {
		cfg.Addr = *o.Addr
	}
	if o.PoolSize != nil {
		cfg.PoolSize = *o.PoolSize
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KERNELD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("KERNELD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("KERNELD_POOL_ENABLED"); v != "" {
		cfg.PoolEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("KERNELD_MAX_KERNELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxKernels = n
		}
	}
	if v := os.Getenv("KERNELD_ALLOWED_KERNEL_TYPES"); v != "" {
		cfg.AllowedKernelTypes = strings.Split(v, ",")
	}
	if v := os.Getenv("KERNELD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KERNELD_LOG_PRETTY"); v != "" {
		cfg.LogPretty = v == "1" || v == "true"
	}
	if v := os.Getenv("KERNELD_INTERRUPT_DIR"); v != "" {
		cfg.InterruptDir = v
	}
	if v := os.Getenv("KERNELD_DOCKER_AGENT_PATH"); v != "" {
		cfg.DockerAgentPath = v
	}
}
