package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultNodeURL          = "ws://127.0.0.1:6000"
	DefaultListenPort       = 6000
	DefaultDataDir          = "./gossip-data"
	DefaultMaxInbound       = 1000
	DefaultMaxMsgBytes      = 1 << 20
	DefaultWriteTimeout     = 5
	DefaultHandshakeTimeout = 10
	DefaultAdminAddress     = "127.0.0.1:8090"
	DefaultLogMaxSizeMB     = 100
	DefaultLogMaxBackups    = 3
)

// Config is the gossipd node configuration. Timeouts without a unit suffix are seconds.
type Config struct {
	NodeURL    string   `toml:"NodeURL" yaml:"node_url"`
	ListenPort int      `toml:"ListenPort" yaml:"listen_port"`
	ListenHost string   `toml:"ListenHost" yaml:"listen_host"`
	Peers      []string `toml:"Peers" yaml:"peers"`
	DataDir    string   `toml:"DataDir" yaml:"data_dir"`
	ProxyURL   string   `toml:"ProxyURL" yaml:"proxy_url"`

	MaxInbound          int     `toml:"MaxInbound" yaml:"max_inbound"`
	MaxMsgBytes         int64   `toml:"MaxMsgBytes" yaml:"max_msg_bytes"`
	WriteTimeout        int     `toml:"WriteTimeout" yaml:"write_timeout"`
	HandshakeTimeout    int     `toml:"HandshakeTimeout" yaml:"handshake_timeout"`
	DrainTimeoutMs      int     `toml:"DrainTimeoutMs" yaml:"drain_timeout_ms"`
	AcceptRatePerSecond float64 `toml:"AcceptRatePerSecond" yaml:"accept_rate_per_second"`
	AcceptBurst         int     `toml:"AcceptBurst" yaml:"accept_burst"`

	AdminAddress  string `toml:"AdminAddress" yaml:"admin_address"`
	LogFile       string `toml:"LogFile" yaml:"log_file"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB" yaml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"LogMaxBackups" yaml:"log_max_backups"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		NodeURL:          DefaultNodeURL,
		ListenPort:       DefaultListenPort,
		Peers:            []string{},
		DataDir:          DefaultDataDir,
		MaxInbound:       DefaultMaxInbound,
		MaxMsgBytes:      DefaultMaxMsgBytes,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		AdminAddress:     DefaultAdminAddress,
		LogMaxSizeMB:     DefaultLogMaxSizeMB,
		LogMaxBackups:    DefaultLogMaxBackups,
	}
}

// Load loads the configuration from the given path. A missing file is created with defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}

	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Normalise fills unset fields with defaults and canonicalises peer URLs.
func (c *Config) Normalise() {
	c.NodeURL = strings.TrimSpace(c.NodeURL)
	if c.NodeURL == "" {
		c.NodeURL = DefaultNodeURL
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	c.ListenHost = strings.TrimSpace(c.ListenHost)
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)
	if c.MaxInbound == 0 {
		c.MaxInbound = DefaultMaxInbound
	}
	if c.MaxMsgBytes == 0 {
		c.MaxMsgBytes = DefaultMaxMsgBytes
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	c.AdminAddress = strings.TrimSpace(c.AdminAddress)
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = DefaultLogMaxBackups
	}

	peers := make([]string, 0, len(c.Peers))
	seen := make(map[string]struct{}, len(c.Peers))
	for _, peer := range c.Peers {
		peer = strings.ToLower(strings.TrimSpace(peer))
		if peer == "" {
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		peers = append(peers, peer)
	}
	c.Peers = peers
}

func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

func (c *Config) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

// DrainTimeout bounds drain-then-close sends. Zero means unbounded.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// PeerstorePath is where the outbound peer book lives.
func (c *Config) PeerstorePath() string {
	return filepath.Join(c.DataDir, "peerstore")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
