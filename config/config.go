// Package config loads the TOML configuration of a duplex-rpc peer.
//
//	name = "duplexd"
//	log_level = "info"
//
//	[connection]
//	id_scheme = "counter"        # counter | uuid
//	max_frame_bytes = 16777216
//	handler_timeout = "30s"
//	rate_limit = 0               # calls per second, 0 disables
//	rate_burst = 0
//
//	[server]
//	listen = ""                  # empty serves stdin/stdout
//	advertise = "127.0.0.1:7070"
//	shutdown_timeout = "5s"
//
//	[registry]
//	endpoints = ["127.0.0.1:2379"]
//	ttl = 10
//	dial_timeout = "5s"
//
//	[client]
//	balancer = "round_robin"     # round_robin | weighted_random | consistent_hash
//
//	[values]
//	"ns.key" = "hello"
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BalancerRoundRobin     = "round_robin"
	BalancerWeightedRandom = "weighted_random"
	BalancerConsistentHash = "consistent_hash"
)

type Config struct {
	Name       string
	LogLevel   string
	Connection Connection
	Server     Server
	Registry   Registry
	Client     Client
	Values     map[string]any
}

// Connection configures a single duplex connection.
type Connection struct {
	IDScheme       string
	MaxFrameBytes  int
	HandlerTimeout time.Duration // 0 disables the per-call timeout
	RateLimit      float64       // inbound calls per second, 0 disables
	RateBurst      int
}

type Server struct {
	Listen          string
	Advertise       string
	ShutdownTimeout time.Duration
}

type Registry struct {
	Endpoints   []string
	TTL         int64
	DialTimeout time.Duration
}

type Client struct {
	Balancer string
}

func Default() Config {
	return Config{
		Name:     "duplexd",
		LogLevel: "info",
		Connection: Connection{
			IDScheme:      "counter",
			MaxFrameBytes: 16 << 20,
		},
		Server: Server{
			ShutdownTimeout: 5 * time.Second,
		},
		Registry: Registry{
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
		Client: Client{
			Balancer: BalancerRoundRobin,
		},
		Values: map[string]any{},
	}
}

type fileConfig struct {
	Name       string         `toml:"name"`
	LogLevel   string         `toml:"log_level"`
	Connection fileConnection `toml:"connection"`
	Server     fileServer     `toml:"server"`
	Registry   fileRegistry   `toml:"registry"`
	Client     fileClient     `toml:"client"`
	Values     map[string]any `toml:"values"`
}

type fileConnection struct {
	IDScheme       string  `toml:"id_scheme"`
	MaxFrameBytes  int     `toml:"max_frame_bytes"`
	HandlerTimeout string  `toml:"handler_timeout"`
	RateLimit      float64 `toml:"rate_limit"`
	RateBurst      int     `toml:"rate_burst"`
}

type fileServer struct {
	Listen          string `toml:"listen"`
	Advertise       string `toml:"advertise"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

type fileRegistry struct {
	Endpoints   []string `toml:"endpoints"`
	TTL         int64    `toml:"ttl"`
	DialTimeout string   `toml:"dial_timeout"`
}

type fileClient struct {
	Balancer string `toml:"balancer"`
}

// Load reads path over Default and validates the result. Keys absent from the
// file keep their defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("connection", "id_scheme") {
		cfg.Connection.IDScheme = strings.TrimSpace(raw.Connection.IDScheme)
	}
	if meta.IsDefined("connection", "max_frame_bytes") {
		cfg.Connection.MaxFrameBytes = raw.Connection.MaxFrameBytes
	}
	if meta.IsDefined("connection", "handler_timeout") {
		d, err := parseDuration("connection.handler_timeout", raw.Connection.HandlerTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Connection.HandlerTimeout = d
	}
	if meta.IsDefined("connection", "rate_limit") {
		cfg.Connection.RateLimit = raw.Connection.RateLimit
	}
	if meta.IsDefined("connection", "rate_burst") {
		cfg.Connection.RateBurst = raw.Connection.RateBurst
	}

	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "advertise") {
		cfg.Server.Advertise = strings.TrimSpace(raw.Server.Advertise)
	}
	if meta.IsDefined("server", "shutdown_timeout") {
		d, err := parseDuration("server.shutdown_timeout", raw.Server.ShutdownTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Server.ShutdownTimeout = d
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}
	if meta.IsDefined("registry", "dial_timeout") {
		d, err := parseDuration("registry.dial_timeout", raw.Registry.DialTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Registry.DialTimeout = d
	}

	if meta.IsDefined("client", "balancer") {
		cfg.Client.Balancer = strings.TrimSpace(raw.Client.Balancer)
	}

	for k, v := range raw.Values {
		cfg.Values[k] = v
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch cfg.Connection.IDScheme {
	case "counter", "uuid":
	default:
		return fmt.Errorf("connection.id_scheme must be counter or uuid, got %q", cfg.Connection.IDScheme)
	}
	if cfg.Connection.MaxFrameBytes <= 0 {
		return fmt.Errorf("connection.max_frame_bytes must be positive")
	}
	if cfg.Connection.HandlerTimeout < 0 {
		return fmt.Errorf("connection.handler_timeout must not be negative")
	}
	if cfg.Connection.RateLimit < 0 {
		return fmt.Errorf("connection.rate_limit must not be negative")
	}
	if cfg.Connection.RateLimit > 0 && cfg.Connection.RateBurst <= 0 {
		return fmt.Errorf("connection.rate_burst must be positive when rate_limit is set")
	}
	if len(cfg.Registry.Endpoints) > 0 && cfg.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl must be positive")
	}
	if len(cfg.Registry.Endpoints) > 0 && cfg.Server.Listen != "" && cfg.Server.Advertise == "" {
		return fmt.Errorf("server.advertise is required when registering a listener")
	}
	switch cfg.Client.Balancer {
	case BalancerRoundRobin, BalancerWeightedRandom, BalancerConsistentHash:
	default:
		return fmt.Errorf("client.balancer %q is not supported", cfg.Client.Balancer)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
