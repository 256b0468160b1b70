package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gossipmesh/gossipmesh/internal/validate"
)

// Defaults mirrored from pkg/gossip's own Config.setDefaults, kept in sync
// so a config file that omits a field and the in-process zero-value Config
// behave identically.
const (
	DefaultGossipFactor         = 3
	DefaultIntraBias            = 0.7
	DefaultNodeTTL              = 5 * time.Minute
	DefaultMaxClockSkew         = 5 * time.Minute
	DefaultHelloTimeout         = 5 * time.Second
	DefaultMaxConcurrentStreams = 256
	DefaultSeenCacheCapacity    = 16384
	DefaultGossipInterval       = time.Second
)

// checkConfigFilePermissions rejects config files that are group or world
// readable. Config files embed TLS key paths and bootstrap topology.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadConfig loads and defaults a node configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade gossipmesh-node", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyGossipDefaults(&cfg.Gossip)
	return &cfg, nil
}

// applyGossipDefaults fills zero-valued gossip tunables with the values
// pkg/gossip itself would default to, so a sparse config file and an
// explicit one produce identical running behavior.
func applyGossipDefaults(g *GossipConfig) {
	if g.IntervalMS == 0 {
		g.IntervalMS = DefaultGossipInterval.Milliseconds()
	}
	if g.Factor == 0 {
		g.Factor = DefaultGossipFactor
	}
	if g.NodeTTLMS == 0 {
		g.NodeTTLMS = DefaultNodeTTL.Milliseconds()
	}
	if g.MaxClockSkewMS == 0 {
		g.MaxClockSkewMS = DefaultMaxClockSkew.Milliseconds()
	}
	if g.IntraBias == 0 {
		g.IntraBias = DefaultIntraBias
	}
	if g.SeenCacheSize == 0 {
		g.SeenCacheSize = DefaultSeenCacheCapacity
	}
	if g.HelloTimeoutMS == 0 {
		g.HelloTimeoutMS = DefaultHelloTimeout.Milliseconds()
	}
	if g.MaxConcurrentStreams == 0 {
		g.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
}

// ValidateConfig checks that a loaded Config has everything a node needs
// to start.
func ValidateConfig(cfg *Config) error {
	if cfg.Node.IdentityPath == "" {
		return fmt.Errorf("node.identity_path is required")
	}
	if err := validate.Address(cfg.Node.P2PAddr); err != nil {
		return fmt.Errorf("node.p2p_addr: %w", err)
	}
	if cfg.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if cfg.TLS.NodeCert == "" {
		return fmt.Errorf("tls.node_cert is required")
	}
	if cfg.TLS.NodeKey == "" {
		return fmt.Errorf("tls.node_key is required")
	}
	for _, addr := range cfg.Gossip.BootstrapPeers {
		if err := validate.Address(addr); err != nil {
			return fmt.Errorf("gossip.bootstrap_peers: %w", err)
		}
	}
	if cfg.Gossip.IntraBias < 0 || cfg.Gossip.IntraBias > 1 {
		return fmt.Errorf("gossip.intra_bias must be between 0 and 1, got %v", cfg.Gossip.IntraBias)
	}
	return nil
}

// FindConfigFile searches for a gossipmesh config file in standard locations.
// Search order: explicitPath (if given), ./gossipmesh.yaml,
// ~/.config/gossipmesh/config.yaml, /etc/gossipmesh/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"gossipmesh.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "gossipmesh", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "gossipmesh", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nCreate one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default gossipmesh config directory
// (~/.config/gossipmesh).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gossipmesh"), nil
}

// ResolveConfigPaths resolves relative file paths in the config to be
// relative to the config file's directory, so a config under
// ~/.config/gossipmesh/ can reference key and cert files by relative path.
func ResolveConfigPaths(cfg *Config, configDir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	resolve(&cfg.Node.IdentityPath)
	resolve(&cfg.TLS.CACert)
	resolve(&cfg.TLS.NodeCert)
	resolve(&cfg.TLS.NodeKey)
}
