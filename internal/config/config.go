// Package config loads the single YAML configuration file the broker
// process reads at startup, generalizing the teacher's flat Config/Server
// structs into the full set of knobs a clustered node needs: listener
// addresses, TLS material, the shared-store DSN, cluster-mode toggle,
// session expiry, cache sizes, and admission-control quotas. Retry and
// heartbeat intervals are not read from the file; they are constants in
// internal/broker and internal/cluster.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document read from config.yml.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server  Server  `yaml:"server"`
	Cluster Cluster `yaml:"cluster"`
	Auth    Auth    `yaml:"auth"`
	Logging Logging `yaml:"logging"`
}

// Server holds every listener surface and the admission-control quotas
// applied before a CONNECT is admitted.
type Server struct {
	TCPAddr string `yaml:"tcpAddr"`
	TLSAddr string `yaml:"tlsAddr"`
	WSAddr  string `yaml:"wsAddr"`
	WSPath  string `yaml:"wsPath"`

	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`

	MaxConnectionsPerAddr int `yaml:"maxConnectionsPerAddr"`
	ConnectRatePerSec     int `yaml:"connectRatePerSec"`

	SessionExpiry      time.Duration `yaml:"sessionExpiry"`
	RetainedCacheSize  int           `yaml:"retainedCacheSize"`
	SessionCacheSize   int           `yaml:"sessionCacheSize"`
}

// Cluster controls whether this node coordinates with peers over a shared
// store, and where that store lives. DSN empty ⇒ single-node LocalStore
// fallback regardless of Enabled.
type Cluster struct {
	Enabled bool   `yaml:"enabled"`
	NodeID  string `yaml:"nodeId"`
	DSN     string `yaml:"dsn"`
	DB      int    `yaml:"db"`
}

// Auth points at the SQLite credential/ACL database.
type Auth struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// Logging mirrors internal/logger.Config's YAML-settable fields.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the YAML file at path, filling defaults for any
// zero-valued field a deployment left unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.TCPAddr == "" {
		cfg.Server.TCPAddr = ":1883"
	}
	if cfg.Server.TLSAddr == "" {
		cfg.Server.TLSAddr = ":8883"
	}
	if cfg.Server.WSAddr == "" {
		cfg.Server.WSAddr = ":8083"
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/mqtt"
	}
	if cfg.Server.MaxConnectionsPerAddr <= 0 {
		cfg.Server.MaxConnectionsPerAddr = 100
	}
	if cfg.Server.ConnectRatePerSec <= 0 {
		cfg.Server.ConnectRatePerSec = 50
	}
	if cfg.Server.SessionExpiry <= 0 {
		cfg.Server.SessionExpiry = 24 * time.Hour
	}
	if cfg.Server.RetainedCacheSize <= 0 {
		cfg.Server.RetainedCacheSize = 4096
	}
	if cfg.Server.SessionCacheSize <= 0 {
		cfg.Server.SessionCacheSize = 4096
	}
	if cfg.Cluster.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "node"
		}
		cfg.Cluster.NodeID = hostname
	}
	if cfg.Auth.SQLitePath == "" {
		cfg.Auth.SQLitePath = "./store/store.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
