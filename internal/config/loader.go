package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it looks for mcpengine.yaml or mcpengine.yml in the current
// directory and in ~/.mcpengine.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then reports ConfigFileNotFoundError, which LoadConfig tolerates.
		viper.SetConfigName("mcpengine")
		viper.SetConfigType("yaml")
	}

	// MCP_ENGINE_SERVER_PORT overrides server.port.
	viper.SetEnvPrefix("MCP_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{".", filepath.Join(home, ".mcpengine")})
}

// findConfigFileInPaths returns the first mcpengine.yaml or mcpengine.yml found in paths.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpengine"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar keys so AutomaticEnv finds them during Unmarshal.
// Lists and maps (auth_tokens, client.args, client.env) belong in the config file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.host",
		"server.port",
		"server.sse_endpoint",
		"server.message_endpoint",
		"server.name",
		"server.version",
		"server.instructions",
		"server.workers",
		"server.session_idle_timeout",
		"server.sweep_interval",
		"server.heartbeat_interval",
		"server.heartbeat_jitter",
		"server.mailbox_capacity",
		"server.request_timeout",
		"server.max_body_bytes",
		"log.level",
		"log.format",
		"metrics.enabled",
		"metrics.path",
		"trace.enabled",
		"client.command",
		"client.request_timeout",
		"client.stop_grace",
		"client.url",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides, sets defaults, and
// validates the result. A missing config file is not an error.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, or "" when none was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
