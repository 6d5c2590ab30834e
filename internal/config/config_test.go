package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment does not
// leak into the test.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"LIVEROOM_CONFIG", "LIVEROOM_ADDR", "PORT", "STORE_DRIVER", "REDIS_URL", "DATABASE_URL",
		"ALLOWED_ORIGINS", "LIVEROOM_SERVER", "STUN_SERVER", "TURN_SERVER", "TURN_USERNAME",
		"TURN_PASSWORD", "FORCE_RELAY",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveroom.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultStore, cfg.StoreDriver)
	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WebSocketURL())
	assert.Equal(t, "http://localhost:8080/api", cfg.APIBaseURL())
	assert.Equal(t, []string{DefaultSTUN}, cfg.GetSTUNServers())
	assert.Nil(t, cfg.GetTURNServers())
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoadPriority(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[server]
addr = ":9000"
allowed_origins = ["https://file.example"]

[store]
driver = "redis"
redis_url = "redis://file:6379/0"

[client]
server = "https://file.example"

[ice]
stun = "stun:file.example:3478"
turn = "turn.file.example"
turn_user = "file-user"
`)

	cfg, err := Load(Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "redis", cfg.StoreDriver)
	assert.Equal(t, []string{"https://file.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "wss://file.example/ws", cfg.WebSocketURL())
	assert.Equal(t, "file-user", cfg.TURNUser)

	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("PORT", "7000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err = Load(Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver, "env beats file")
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)

	cfg, err = Load(Options{ConfigFile: path, StoreDriver: "memory", Addr: ":1234", Server: "http://flag.example/"})
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver, "flag beats env")
	assert.Equal(t, ":1234", cfg.Addr)
	assert.Equal(t, "http://flag.example", cfg.Server)
	assert.Equal(t, "ws://flag.example/ws", cfg.WebSocketURL())
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVEROOM_CONFIG", writeConfig(t, "[store]\ndriver = \"redis\"\n"))

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreDriver)
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(Options{ConfigFile: writeConfig(t, "this is = = not toml")})
	assert.Error(t, err)

	_, err = Load(Options{ConfigFile: filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, err)
}

func TestForceRelayNeedsTURN(t *testing.T) {
	clearEnv(t)

	_, err := Load(Options{ForceRelay: true})
	assert.ErrorIs(t, err, ErrRelayWithoutTURN)

	t.Setenv("FORCE_RELAY", "true")
	_, err = Load(Options{})
	assert.ErrorIs(t, err, ErrRelayWithoutTURN)

	cfg, err := Load(Options{TURNServer: "turn.example.com", TURNUser: "u", TURNPass: "p"})
	require.NoError(t, err)
	ice := cfg.ICE()
	assert.True(t, ice.ForceRelay)
	assert.Equal(t, "u", ice.TURNUsername)
	assert.Len(t, ice.TURNServers, 3)
}

func TestGetTURNServers(t *testing.T) {
	tests := []struct {
		name   string
		server string
		want   []string
	}{
		{"empty", "", nil},
		{"bare host", "turn.example.com", []string{
			"turn:turn.example.com:3478?transport=udp",
			"turn:turn.example.com:3478?transport=tcp",
			"turns:turn.example.com:5349?transport=tcp",
		}},
		{"scheme only", "turn:turn.example.com", []string{
			"turn:turn.example.com:3478?transport=udp",
			"turn:turn.example.com:3478?transport=tcp",
			"turns:turn.example.com:5349?transport=tcp",
		}},
		{"explicit port", "turn:turn.example.com:3479", []string{"turn:turn.example.com:3479"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{TURNServer: tt.server}
			assert.Equal(t, tt.want, cfg.GetTURNServers())
		})
	}
}
