package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	PoolWorkers         int
	StressTestMode      bool
	Timezone            string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNCD_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	poolWorkers, err := strconv.Atoi(getEnvOrDefault("MAILSYNCD_POOL_WORKERS", "8"))
	if err != nil || poolWorkers < 1 {
		return nil, fmt.Errorf("MAILSYNCD_POOL_WORKERS must be a positive integer")
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNCD_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILSYNCD_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNCD_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNCD_DB_USER", "mailsyncd"),
		DBPassword:          os.Getenv("MAILSYNCD_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNCD_DB_NAME", "mailsyncd"),
		DBSSLMode:           getEnvOrDefault("MAILSYNCD_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		PoolWorkers:         poolWorkers,
		StressTestMode:      os.Getenv("MAILSYNCD_STRESS_TEST_MODE") == "true",
		Timezone:            getEnvOrDefault("TZ", "UTC"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNCD_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNCD_DB_PASSWORD is required")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
