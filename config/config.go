// Package config loads rpcpeer settings from TOML.
//
//	[peer]
//	timeout = "3s"
//	codec = "binary"
//	compress = true
//
//	[server]
//	listen = ":8080"
//	advertise = "127.0.0.1:8080"
//
//	[registry]
//	endpoints = ["127.0.0.1:2379"]
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
)

// Duration reads TOML strings such as "250ms" or "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PeerConfig mirrors peer.Options.
type PeerConfig struct {
	Timeout     Duration `toml:"timeout"`
	NoHandshake bool     `toml:"noHandshake"`
	Codec       string   `toml:"codec"` // json | binary
	Compress    bool     `toml:"compress"`
}

// CodecType resolves Codec and Compress.
func (c PeerConfig) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(c.Codec, c.Compress)
}

type ServerConfig struct {
	Listen          string   `toml:"listen"`
	Advertise       string   `toml:"advertise"` // address put in the registry; defaults to Listen
	Websocket       string   `toml:"websocket"` // optional listen address for websocket peers
	Metrics         string   `toml:"metrics"`   // optional listen address for /metrics
	RateLimit       float64  `toml:"rateLimit"` // requests per second, 0 disables
	Burst           int      `toml:"burst"`
	HandlerTimeout  Duration `toml:"handlerTimeout"`
	ShutdownTimeout Duration `toml:"shutdownTimeout"`
	Heartbeat       Duration `toml:"heartbeat"`
	Weight          int      `toml:"weight"`
	Version         string   `toml:"version"`
}

type ClientConfig struct {
	PoolSize   int      `toml:"poolSize"`
	Balancer   string   `toml:"balancer"`
	Retries    int      `toml:"retries"`
	RetryDelay Duration `toml:"retryDelay"`
}

type RegistryConfig struct {
	Endpoints []string `toml:"endpoints"` // empty means an in-process registry
	TTL       int64    `toml:"ttl"`       // lease seconds
}

type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
	File        string `toml:"file"` // rotated log file; empty logs to stderr only
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

type Config struct {
	Peer     PeerConfig     `toml:"peer"`
	Server   ServerConfig   `toml:"server"`
	Client   ClientConfig   `toml:"client"`
	Registry RegistryConfig `toml:"registry"`
	Logging  LoggingConfig  `toml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			Timeout: Duration{3 * time.Second},
			Codec:   "json",
		},
		Server: ServerConfig{
			Listen:          ":8080",
			Burst:           1,
			ShutdownTimeout: Duration{5 * time.Second},
			Heartbeat:       Duration{10 * time.Second},
			Weight:          10,
		},
		Client: ClientConfig{
			PoolSize:   4,
			Balancer:   "round_robin",
			RetryDelay: Duration{50 * time.Millisecond},
		},
		Registry: RegistryConfig{TTL: 10},
		Logging: LoggingConfig{
			Level:       "info",
			FileMaxSize: 100,
			FileBackups: 3,
		},
	}
}

// Load reads path on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Peer.Timeout.Duration <= 0 {
		return fmt.Errorf("peer.timeout must be positive")
	}
	if _, err := cfg.Peer.CodecType(); err != nil {
		return err
	}
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen required")
	}
	if cfg.Server.Advertise == "" {
		cfg.Server.Advertise = cfg.Server.Listen
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit must not be negative")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.Burst < 1 {
		return fmt.Errorf("server.burst must be at least 1 when rateLimit is set")
	}
	if cfg.Client.PoolSize < 1 {
		return fmt.Errorf("client.poolSize must be at least 1")
	}
	if cfg.Client.Retries < 0 {
		return fmt.Errorf("client.retries must not be negative")
	}
	if _, err := loadbalance.New(cfg.Client.Balancer); err != nil {
		return err
	}
	if cfg.Registry.TTL < 1 {
		return fmt.Errorf("registry.ttl must be at least 1")
	}
	return nil
}
