package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

const envPrefix = "LOCATIOND_"

// LoadConfig loads configuration from file and environment variables.
// The file is optional; defaults and the environment fill the gaps.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := getenv("NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if location := getenv("LOCATION"); location != "" {
		cfg.Server.Location = location
	}
	if host := getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port, ok := getenvInt("PORT"); ok {
		cfg.Server.Port = port
	}
	if port, ok := getenvInt("GRPC_PORT"); ok {
		cfg.Server.GRPCPort = port
	}

	// Redis configuration
	if host := getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if port, ok := getenvInt("REDIS_PORT"); ok {
		cfg.Redis.Port = port
	}
	if password := getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// Postgres configuration
	if host := getenv("POSTGRES_HOST"); host != "" {
		cfg.Postgres.Host = host
	}
	if port, ok := getenvInt("POSTGRES_PORT"); ok {
		cfg.Postgres.Port = port
	}
	if user := getenv("POSTGRES_USER"); user != "" {
		cfg.Postgres.User = user
	}
	if password := getenv("POSTGRES_PASSWORD"); password != "" {
		cfg.Postgres.Password = password
	}

	// Storage locations
	if backend := getenv("CENTRAL_STORAGE_BACKEND"); backend != "" {
		cfg.CentralStorage.Backend = backend
	}
	if dir := getenv("DATA_DIR"); dir != "" {
		cfg.Location.DataDir = dir
	}
	if dir := getenv("CONTENT_DIR"); dir != "" {
		cfg.Content.Directory = dir
	}

	// Logging configuration
	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}

func getenvInt(name string) (int, bool) {
	raw := getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
