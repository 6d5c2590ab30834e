package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/BioHazard786/Liveroom/internal/peer"
)

// Default configuration values
const (
	DefaultAddr   = ":8080"
	DefaultServer = "http://localhost:8080"
	DefaultStore  = "memory"
	DefaultSTUN   = "stun:stun.l.google.com:19302"
)

var ErrRelayWithoutTURN = errors.New("cannot force relay mode without TURN server configured")

// Config holds application configuration
type Config struct {
	// Addr is where `serve` listens
	Addr string

	// Room Store backend: memory, redis or postgres
	StoreDriver string
	RedisURL    string
	DatabaseURL string

	// AllowedOrigins for browser websocket clients. Empty allows any origin.
	AllowedOrigins []string

	// Server is the relay base URL participants connect to
	Server string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// Options for loading config with CLI flag overrides
type Options struct {
	ConfigFile string

	Addr           string
	StoreDriver    string
	RedisURL       string
	DatabaseURL    string
	AllowedOrigins string

	Server     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// fileConfig is the layout of the TOML config file.
type fileConfig struct {
	Server struct {
		Addr           string   `toml:"addr"`
		AllowedOrigins []string `toml:"allowed_origins"`
	} `toml:"server"`

	Store struct {
		Driver      string `toml:"driver"`
		RedisURL    string `toml:"redis_url"`
		DatabaseURL string `toml:"database_url"`
	} `toml:"store"`

	Client struct {
		Server string `toml:"server"`
	} `toml:"client"`

	ICE struct {
		STUN       string `toml:"stun"`
		TURN       string `toml:"turn"`
		TURNUser   string `toml:"turn_user"`
		TURNPass   string `toml:"turn_pass"`
		ForceRelay bool   `toml:"force_relay"`
	} `toml:"ice"`
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. TOML config file (--config or LIVEROOM_CONFIG)
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	var file fileConfig

	path := first(opts.ConfigFile, os.Getenv("LIVEROOM_CONFIG"))
	if path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	addr := first(opts.Addr, os.Getenv("LIVEROOM_ADDR"), portAddr(os.Getenv("PORT")), file.Server.Addr, DefaultAddr)

	origins := splitList(first(opts.AllowedOrigins, os.Getenv("ALLOWED_ORIGINS")))
	if origins == nil {
		origins = file.Server.AllowedOrigins
	}

	forceRelay := opts.ForceRelay
	if !forceRelay {
		forceRelay, _ = strconv.ParseBool(os.Getenv("FORCE_RELAY"))
	}
	if !forceRelay {
		forceRelay = file.ICE.ForceRelay
	}

	cfg := &Config{
		Addr:           addr,
		StoreDriver:    first(opts.StoreDriver, os.Getenv("STORE_DRIVER"), file.Store.Driver, DefaultStore),
		RedisURL:       first(opts.RedisURL, os.Getenv("REDIS_URL"), file.Store.RedisURL),
		DatabaseURL:    first(opts.DatabaseURL, os.Getenv("DATABASE_URL"), file.Store.DatabaseURL),
		AllowedOrigins: origins,
		Server:         strings.TrimRight(first(opts.Server, os.Getenv("LIVEROOM_SERVER"), file.Client.Server, DefaultServer), "/"),
		STUNServer:     first(opts.STUNServer, os.Getenv("STUN_SERVER"), file.ICE.STUN, DefaultSTUN),
		TURNServer:     first(opts.TURNServer, os.Getenv("TURN_SERVER"), file.ICE.TURN),
		TURNUser:       first(opts.TURNUser, os.Getenv("TURN_USERNAME"), file.ICE.TURNUser),
		TURNPass:       first(opts.TURNPass, os.Getenv("TURN_PASSWORD"), file.ICE.TURNPass),
		ForceRelay:     forceRelay,
	}

	if _, err := url.Parse(cfg.Server); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, ErrRelayWithoutTURN
	}
	return cfg, nil
}

// WebSocketURL returns the relay websocket endpoint
func (c *Config) WebSocketURL() string {
	u, err := url.Parse(c.Server)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// APIBaseURL returns the room REST API root
func (c *Config) APIBaseURL() string {
	return c.Server + "/api"
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host expands to
// the usual UDP, TCP and TLS endpoints.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(strings.TrimPrefix(c.TURNServer, "turn:"), ":") || strings.Contains(c.TURNServer, "?") {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// ICE returns the peer connection settings
func (c *Config) ICE() peer.ICEConfig {
	return peer.ICEConfig{
		STUNServers:  c.GetSTUNServers(),
		TURNServers:  c.GetTURNServers(),
		TURNUsername: c.TURNUser,
		TURNPassword: c.TURNPass,
		ForceRelay:   c.ForceRelay,
	}
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func portAddr(port string) string {
	if port == "" {
		return ""
	}
	return ":" + port
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
