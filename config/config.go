package config

import (
	"fmt"
	"os"
)

// Config holds all configuration for a batch lifecycle node.
type Config struct {
	// Server Configuration
	HTTPPort string

	// Database Configuration
	DatabaseHost string
	DatabasePort string
	DatabaseUser string
	DatabasePass string
	DatabaseName string

	// Public trace viewer base; batch QR code URLs are derived from it.
	TraceBaseURL string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() *Config {
	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		DatabaseHost: getEnv("DB_HOST", "localhost"),
		DatabasePort: getEnv("DB_PORT", "5432"),
		DatabaseUser: getEnv("DB_USER", "postgres"),
		DatabasePass: getEnv("DB_PASS", "postgrespassword"),
		DatabaseName: getEnv("DB_NAME", "farmchainx"),

		TraceBaseURL: getEnv("TRACE_BASE_URL", "https://farmchainx.example.org"),
	}
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePass,
		c.DatabaseName,
	)
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if c.DatabaseHost == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.TraceBaseURL == "" {
		return fmt.Errorf("TRACE_BASE_URL is required")
	}
	return nil
}

// Helper function to get environment variable with default.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
