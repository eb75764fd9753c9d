package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestConfig_SetDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr() != "localhost:8080" {
		t.Errorf("Addr() = %q, want %q", cfg.Server.Addr(), "localhost:8080")
	}
	if cfg.Server.SSEEndpoint != "/sse" {
		t.Errorf("SSEEndpoint = %q, want %q", cfg.Server.SSEEndpoint, "/sse")
	}
	if cfg.Server.MessageEndpoint != "/message" {
		t.Errorf("MessageEndpoint = %q, want %q", cfg.Server.MessageEndpoint, "/message")
	}
	if cfg.Server.Name != "MCP Server" || cfg.Server.Version != "0.0.1" {
		t.Errorf("server info = %q %q, want %q %q", cfg.Server.Name, cfg.Server.Version, "MCP Server", "0.0.1")
	}
	if cfg.Server.SessionIdleTimeout != 60*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want %v", cfg.Server.SessionIdleTimeout, 60*time.Minute)
	}
	if cfg.Server.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.Server.HeartbeatInterval, 5*time.Second)
	}
	if cfg.Server.HeartbeatJitter != 500*time.Millisecond {
		t.Errorf("HeartbeatJitter = %v, want %v", cfg.Server.HeartbeatJitter, 500*time.Millisecond)
	}
	if cfg.Server.Workers < 1 {
		t.Errorf("Workers = %d, want at least 1", cfg.Server.Workers)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to true")
	}
	if cfg.Client.RequestTimeout != 60*time.Second {
		t.Errorf("Client.RequestTimeout = %v, want %v", cfg.Client.RequestTimeout, 60*time.Second)
	}
	if cfg.Client.StopGrace != 2*time.Second {
		t.Errorf("Client.StopGrace = %v, want %v", cfg.Client.StopGrace, 2*time.Second)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg := Config{
		Server: ServerConfig{
			Port:            9090,
			MessageEndpoint: "/rpc",
			Workers:         3,
		},
		Log: LogConfig{Level: "debug"},
	}
	cfg.SetDefaults()

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.MessageEndpoint != "/rpc" {
		t.Errorf("MessageEndpoint = %q, want %q", cfg.Server.MessageEndpoint, "/rpc")
	}
	if cfg.Server.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Server.Workers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadConfig_File(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "mcpengine.yaml")
	content := `
server:
  port: 9191
  session_idle_timeout: 15m
  heartbeat_jitter: 0s
  auth_tokens: ["secret"]
metrics:
  enabled: false
client:
  command: ./server
  args: ["--stdio"]
  env:
    API_KEY: abc
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Server.SessionIdleTimeout != 15*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want %v", cfg.Server.SessionIdleTimeout, 15*time.Minute)
	}
	if cfg.Server.HeartbeatJitter != 0 {
		t.Errorf("HeartbeatJitter = %v, want 0", cfg.Server.HeartbeatJitter)
	}
	if len(cfg.Server.AuthTokens) != 1 || cfg.Server.AuthTokens[0] != "secret" {
		t.Errorf("AuthTokens = %v, want [secret]", cfg.Server.AuthTokens)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false from file")
	}
	if cfg.Client.Command != "./server" || len(cfg.Client.Args) != 1 {
		t.Errorf("Client = %+v, want command ./server with one arg", cfg.Client)
	}
	if cfg.Client.Env["api_key"] != "abc" && cfg.Client.Env["API_KEY"] != "abc" {
		t.Errorf("Client.Env = %v, want API_KEY=abc", cfg.Client.Env)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", ConfigFileUsed(), path)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("MCP_ENGINE_SERVER_PORT", "7070")
	t.Setenv("MCP_ENGINE_LOG_LEVEL", "warn")

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	InitViper("")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "mcpengine.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	InitViper(path)
	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "Level must be one of") {
		t.Errorf("error = %q, want log level message", err.Error())
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	empty := t.TempDir()
	withYML := t.TempDir()
	if err := os.WriteFile(filepath.Join(withYML, "mcpengine.yml"), nil, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	got := findConfigFileInPaths([]string{empty, withYML})
	if want := filepath.Join(withYML, "mcpengine.yml"); got != want {
		t.Errorf("findConfigFileInPaths() = %q, want %q", got, want)
	}
	if got := findConfigFileInPaths([]string{empty}); got != "" {
		t.Errorf("findConfigFileInPaths() = %q, want empty", got)
	}
}
