package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/danmuck/crisscross/internal/logging"
	"github.com/danmuck/crisscross/internal/transport"
)

// Config is the resolved CLI configuration.
type Config struct {
	Node        string
	LogLevel    zerolog.Level
	MetricsAddr string
	Server      transport.ServerConfig
	Client      transport.ClientConfig
}

type fileConfig struct {
	Node     string        `toml:"node"`
	LogLevel string        `toml:"log_level"`
	Listen   listenSection `toml:"listen"`
	Dial     dialSection   `toml:"dial"`
}

type listenSection struct {
	Addr        string     `toml:"addr"`
	ReadSize    int        `toml:"read_size"`
	IdleTimeout string     `toml:"idle_timeout"`
	MetricsAddr string     `toml:"metrics_addr"`
	TLS         tlsSection `toml:"tls"`
}

type dialSection struct {
	Addr              string     `toml:"addr"`
	ConnectTimeout    string     `toml:"connect_timeout"`
	WriteTimeout      string     `toml:"write_timeout"`
	MaxAttempts       int        `toml:"max_attempts"`
	BackoffInitial    string     `toml:"backoff_initial"`
	BackoffMultiplier float64    `toml:"backoff_multiplier"`
	BackoffMax        string     `toml:"backoff_max"`
	BackoffJitter     bool       `toml:"backoff_jitter"`
	TLS               tlsSection `toml:"tls"`
}

type tlsSection struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func Default() Config {
	return Config{
		Node:     "crisscross",
		LogLevel: zerolog.InfoLevel,
		Server:   transport.DefaultServerConfig(),
		Client:   transport.DefaultClientConfig(),
	}
}

// Load reads path on top of Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("node") {
		cfg.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("listen", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Listen.Addr)
	}
	if meta.IsDefined("listen", "read_size") {
		cfg.Server.ReadSize = raw.Listen.ReadSize
	}
	if meta.IsDefined("listen", "idle_timeout") {
		if cfg.Server.IdleTimeout, err = parseDuration("listen.idle_timeout", raw.Listen.IdleTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("listen", "metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Listen.MetricsAddr)
	}

	if meta.IsDefined("dial", "addr") {
		cfg.Client.Addr = strings.TrimSpace(raw.Dial.Addr)
	}
	if meta.IsDefined("dial", "connect_timeout") {
		if cfg.Client.ConnectTimeout, err = parseDuration("dial.connect_timeout", raw.Dial.ConnectTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dial", "write_timeout") {
		if cfg.Client.WriteTimeout, err = parseDuration("dial.write_timeout", raw.Dial.WriteTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dial", "max_attempts") {
		cfg.Client.MaxAttempts = raw.Dial.MaxAttempts
	}
	if meta.IsDefined("dial", "backoff_initial") {
		if cfg.Client.Backoff.InitialDelay, err = parseDuration("dial.backoff_initial", raw.Dial.BackoffInitial); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dial", "backoff_multiplier") {
		cfg.Client.Backoff.Multiplier = raw.Dial.BackoffMultiplier
	}
	if meta.IsDefined("dial", "backoff_max") {
		if cfg.Client.Backoff.MaxDelay, err = parseDuration("dial.backoff_max", raw.Dial.BackoffMax); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("dial", "backoff_jitter") {
		cfg.Client.Backoff.Jitter = raw.Dial.BackoffJitter
	}

	applyTLS(meta, raw.Listen.TLS, &cfg.Server.TLS, "listen")
	applyTLS(meta, raw.Dial.TLS, &cfg.Client.TLS, "dial")

	cfg.Server.Node = cfg.Node
	cfg.Client.Node = cfg.Node
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func applyTLS(meta toml.MetaData, raw tlsSection, dst *transport.TLSConfig, section string) {
	defined := func(key string) bool { return meta.IsDefined(section, "tls", key) }
	if defined("enabled") {
		dst.Enabled = raw.Enabled
	}
	if defined("mutual") {
		dst.Mutual = raw.Mutual
	}
	if defined("cert_file") {
		dst.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if defined("key_file") {
		dst.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if defined("ca_file") {
		dst.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if defined("server_name") {
		dst.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if defined("insecure_skip_verify") {
		dst.InsecureSkipVerify = raw.InsecureSkipVerify
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Node) == "" {
		return fmt.Errorf("config missing node")
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	return nil
}
