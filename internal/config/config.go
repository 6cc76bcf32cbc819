// Copyright 2025 Joseph Cumines
//
// Configuration package for the desktop bridge

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joeycumines/desktopbridge/internal/axtree"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DESKTOP_BRIDGE_"

// Config holds the configuration of the bridge host.
//
// Values are resolved in order: defaults, the YAML file named by
// DESKTOP_BRIDGE_CONFIG (if any), then individual environment variables.
// Command line flags are applied on top by the caller, followed by a final
// Validate.
type Config struct {
	// SocketPath is the unix socket of the serve command.
	SocketPath string `yaml:"socket"`
	// DiagnosticsSocket enables the HTTP diagnostics endpoint when set.
	DiagnosticsSocket string `yaml:"diagnostics_socket"`
	// PlatformAddr is the gRPC target of the permission-holding helper.
	PlatformAddr string `yaml:"platform_addr"`
	// AuditLogPath enables the JSON audit log when set.
	AuditLogPath string `yaml:"audit_log"`
	// WorkspaceRoots, when non-empty, restricts meta.workspacePath.
	WorkspaceRoots []string `yaml:"workspace_roots"`
	// Tree holds the configured traversal bounds. Requests may only
	// narrow them.
	Tree           axtree.Limits `yaml:"tree"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	// RateLimit is requests per second per peer; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// SingleFlight serializes side-effecting actions across all peers.
	SingleFlight bool `yaml:"single_flight"`
	// AllowPhrase accepts the legacy confirmation phrase.
	AllowPhrase bool `yaml:"allow_phrase"`
	Debug       bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SocketPath:     filepath.Join(os.TempDir(), fmt.Sprintf("desktop-bridge-%d.sock", os.Getuid())),
		PlatformAddr:   "unix://" + filepath.Join(os.TempDir(), fmt.Sprintf("desktop-bridge-platform-%d.sock", os.Getuid())),
		Tree:           axtree.DefaultLimits(),
		RequestTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
		DrainTimeout:   10 * time.Second,
		RateLimit:      20,
		SingleFlight:   true,
		AllowPhrase:    true,
	}
}

// Load resolves the configuration from defaults, the optional YAML file,
// and the environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var err error

	c.SocketPath = getEnv(EnvPrefix+"SOCKET", c.SocketPath)
	c.DiagnosticsSocket = getEnv(EnvPrefix+"DIAG_SOCKET", c.DiagnosticsSocket)
	c.PlatformAddr = getEnv(EnvPrefix+"PLATFORM_ADDR", c.PlatformAddr)
	c.AuditLogPath = getEnv(EnvPrefix+"AUDIT_LOG", c.AuditLogPath)
	if v := os.Getenv(EnvPrefix + "WORKSPACE_ROOTS"); v != "" {
		c.WorkspaceRoots = filepath.SplitList(v)
	}

	if c.RequestTimeout, err = getEnvAsDuration(EnvPrefix+"REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.MaxTimeout, err = getEnvAsDuration(EnvPrefix+"MAX_TIMEOUT", c.MaxTimeout); err != nil {
		return err
	}
	if c.DrainTimeout, err = getEnvAsDuration(EnvPrefix+"DRAIN_TIMEOUT", c.DrainTimeout); err != nil {
		return err
	}
	if c.RateLimit, err = getEnvAsFloat(EnvPrefix+"RATE_LIMIT", c.RateLimit); err != nil {
		return err
	}

	if c.Tree.MaxDepth, err = getEnvAsInt(EnvPrefix+"TREE_MAX_DEPTH", c.Tree.MaxDepth); err != nil {
		return err
	}
	if c.Tree.MaxNodes, err = getEnvAsInt(EnvPrefix+"TREE_MAX_NODES", c.Tree.MaxNodes); err != nil {
		return err
	}
	if c.Tree.MaxChildrenPerNode, err = getEnvAsInt(EnvPrefix+"TREE_MAX_CHILDREN", c.Tree.MaxChildrenPerNode); err != nil {
		return err
	}
	if c.Tree.MaxWall, err = getEnvAsDuration(EnvPrefix+"TREE_MAX_WALL", c.Tree.MaxWall); err != nil {
		return err
	}

	c.SingleFlight = getEnvAsBool(EnvPrefix+"SINGLE_FLIGHT", c.SingleFlight)
	c.AllowPhrase = getEnvAsBool(EnvPrefix+"ALLOW_PHRASE", c.AllowPhrase)
	c.Debug = getEnvAsBool(EnvPrefix+"DEBUG", c.Debug)
	return nil
}

// Validate checks the resolved configuration and fills unset tree limits
// with their defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket path cannot be empty"))
	}
	if c.PlatformAddr == "" {
		errs = append(errs, errors.New("platform address cannot be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout))
	}
	if c.MaxTimeout < c.RequestTimeout {
		errs = append(errs, fmt.Errorf("max timeout %v is below the request timeout %v", c.MaxTimeout, c.RequestTimeout))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("drain timeout cannot be negative, got %v", c.DrainTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit cannot be negative, got %v", c.RateLimit))
	}
	for _, root := range c.WorkspaceRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("workspace root must be absolute: %q", root))
		}
	}
	if c.Tree.MaxDepth < 0 || c.Tree.MaxNodes < 0 || c.Tree.MaxChildrenPerNode < 0 || c.Tree.MaxWall < 0 {
		errs = append(errs, errors.New("tree limits cannot be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.Tree = c.Tree.WithDefaults()
	for i, root := range c.WorkspaceRoots {
		c.WorkspaceRoots[i] = filepath.Clean(root)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected integer)", key, value)
	}
	return result, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected number)", key, value)
	}
	return result, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q (expected duration, e.g., '30s', '5m')", key, value)
	}
	return d, nil
}
