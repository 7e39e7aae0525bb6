package service

import (
	"fmt"
	"os"
	"strconv"

	"github.com/nethesis/matrix-appservice/logger"
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultListenPort    = 9000
	defaultLogLevel      = "INFO"
)

// Config holds process-level configuration loaded from environment
// variables. The appservice registration itself lives in the YAML file
// pointed to by RegistrationPath.
type Config struct {
	ListenAddress string
	ListenPort    int
	LogLevel      string

	HomeserverURL string
	ServerName    string

	RegistrationPath string

	// DBPath enables the sqlite storage provider; empty keeps everything
	// in memory.
	DBPath string

	DedupBound int
}

// Address returns the host:port the transaction server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}

// NewConfig loads the configuration from environment variables with
// validation.
func NewConfig() (*Config, error) {
	cfg := &Config{
		ListenAddress: defaultListenAddress,
		ListenPort:    defaultListenPort,
		LogLevel:      defaultLogLevel,
		DedupBound:    DefaultDedupBound,
	}

	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	logger.Debug().Str("LOGLEVEL", cfg.LogLevel).Msg("log level configured")

	if v := os.Getenv("AS_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("AS_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid AS_LISTEN_PORT %q", v)
		}
		cfg.ListenPort = port
	}
	logger.Debug().Str("address", cfg.Address()).Msg("listen address configured")

	cfg.HomeserverURL = os.Getenv("MATRIX_HOMESERVER_URL")
	if cfg.HomeserverURL == "" {
		logger.Error().Msg("MATRIX_HOMESERVER_URL environment variable is missing")
		return nil, fmt.Errorf("MATRIX_HOMESERVER_URL is required")
	}

	cfg.ServerName = os.Getenv("MATRIX_SERVER_NAME")
	if cfg.ServerName == "" {
		logger.Error().Msg("MATRIX_SERVER_NAME environment variable is missing")
		return nil, fmt.Errorf("MATRIX_SERVER_NAME is required (e.g. 'example.org')")
	}

	cfg.RegistrationPath = os.Getenv("AS_REGISTRATION_PATH")
	if cfg.RegistrationPath == "" {
		logger.Error().Msg("AS_REGISTRATION_PATH environment variable is missing")
		return nil, fmt.Errorf("AS_REGISTRATION_PATH is required")
	}

	cfg.DBPath = os.Getenv("AS_DB_PATH")
	if cfg.DBPath == "" {
		logger.Info().Msg("AS_DB_PATH not set - storage will be in-memory only")
	}

	if v := os.Getenv("AS_DEDUP_BOUND"); v != "" {
		bound, err := strconv.Atoi(v)
		if err != nil || bound <= 0 {
			logger.Warn().Str("AS_DEDUP_BOUND", v).Int("default", DefaultDedupBound).Msg("invalid dedup bound, using default")
		} else {
			cfg.DedupBound = bound
		}
	}

	logger.Debug().Msg("configuration loading completed")
	return cfg, nil
}

// NewTestConfig creates a minimal Config for testing purposes.
func NewTestConfig() *Config {
	return &Config{
		ListenAddress:    "127.0.0.1",
		ListenPort:       defaultListenPort,
		LogLevel:         defaultLogLevel,
		HomeserverURL:    "https://example.org",
		ServerName:       "example.org",
		RegistrationPath: "registration.yaml",
		DedupBound:       DefaultDedupBound,
	}
}
