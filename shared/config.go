package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the endpoints and identity for one demo deployment. Values come
// from an optional YAML file, overridden by environment variables.
type Config struct {
	ServerAddr string `yaml:"server_addr"` // TLS server, e.g. "localhost:4443"
	CAAddr     string `yaml:"ca_addr"`     // certificate issuer, e.g. "localhost:8080"

	ModuleTransport string `yaml:"module_transport"` // "tcp" or "vsock"
	ModuleAddr      string `yaml:"module_addr"`      // tcp transport only
	ModuleCID       uint32 `yaml:"module_cid"`       // vsock transport only
	ModulePort      uint32 `yaml:"module_port"`      // vsock transport only

	Identity   string `yaml:"identity"`     // client identity (certificate CN)
	CACertPath string `yaml:"ca_cert_path"` // PEM file with trusted roots

	DialTimeoutSeconds int  `yaml:"dial_timeout_seconds"`
	Development        bool `yaml:"development"`
}

// DefaultConfig mirrors the addresses the reference deployment uses.
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:         "localhost:4443",
		CAAddr:             "localhost:8080",
		ModuleTransport:    "tcp",
		ModuleAddr:         "localhost:2321",
		ModulePort:         2321,
		Identity:           "SecPoC",
		CACertPath:         "ca.pem",
		DialTimeoutSeconds: 30,
	}
}

// LoadConfig reads the YAML file at path (if non-empty), then applies
// environment variable overrides. A missing .env file is not an error.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.ServerAddr = GetEnvOrDefault("SECPOC_SERVER_ADDR", cfg.ServerAddr)
	cfg.CAAddr = GetEnvOrDefault("SECPOC_CA_ADDR", cfg.CAAddr)
	cfg.ModuleTransport = GetEnvOrDefault("SECPOC_MODULE_TRANSPORT", cfg.ModuleTransport)
	cfg.ModuleAddr = GetEnvOrDefault("SECPOC_MODULE_ADDR", cfg.ModuleAddr)
	cfg.ModuleCID = GetEnvUint32OrDefault("SECPOC_MODULE_CID", cfg.ModuleCID)
	cfg.ModulePort = GetEnvUint32OrDefault("SECPOC_MODULE_PORT", cfg.ModulePort)
	cfg.Identity = GetEnvOrDefault("SECPOC_IDENTITY", cfg.Identity)
	cfg.CACertPath = GetEnvOrDefault("SECPOC_CA_CERT", cfg.CACertPath)
	cfg.DialTimeoutSeconds = GetEnvIntOrDefault("SECPOC_DIAL_TIMEOUT", cfg.DialTimeoutSeconds)
	if GetEnvOrDefault("DEVELOPMENT", "") == "true" {
		cfg.Development = true
	}

	if cfg.ModuleTransport != "tcp" && cfg.ModuleTransport != "vsock" {
		return nil, fmt.Errorf("unsupported module transport %q", cfg.ModuleTransport)
	}
	return cfg, nil
}

// DialTimeout returns the configured timeout for external calls.
func (c *Config) DialTimeout() time.Duration {
	if c.DialTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvUint32OrDefault(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint32(intValue)
		}
	}
	return defaultValue
}
