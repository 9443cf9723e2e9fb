// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"grafanamlworker/src/logging"
)

type Config struct {
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"require"`

	PollingInterval time.Duration `envconfig:"POLLING_INTERVAL" default:"30s"`
	APIPort         string        `envconfig:"API_PORT" default:"8080"`
	NotifyChannel   string        `envconfig:"NOTIFY_CHANNEL" default:"grafana_ml_tasks"`

	TaskNotifications    bool   `envconfig:"TASK_NOTIFICATIONS" default:"true"`
	GeneralNotifications bool   `envconfig:"GENERAL_NOTIFICATIONS" default:"true"`
	GenerateSummary      bool   `envconfig:"GENERATE_SUMMARY" default:"false"`
	SummaryDir           string `envconfig:"SUMMARY_DIR" default:"logs"`
	Notifier             string `envconfig:"NOTIFIER" default:"log"`

	// Zero disables stale recovery.
	StaleRunningAfter time.Duration `envconfig:"STALE_RUNNING_AFTER" default:"1h"`
	SourceRowLimit    int           `envconfig:"SOURCE_ROW_LIMIT" default:"45000"`

	SandboxEnabled       bool          `envconfig:"SANDBOX_ENABLED" default:"false"`
	ScriptsDir           string        `envconfig:"SCRIPTS_DIR" default:"scripts"`
	ContainerImage       string        `envconfig:"CONTAINER_IMAGE" default:"grafanaml-sandbox:latest"`
	ContainerMemoryMB    int64         `envconfig:"CONTAINER_MEMORY_MB" default:"512"`
	ContainerCPULimit    float64       `envconfig:"CONTAINER_CPU_LIMIT" default:"0.5"`
	ContainerIdleTimeout time.Duration `envconfig:"CONTAINER_IDLE_TIMEOUT" default:"5m"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.Log("No .env file found, using the process environment", slog.LevelDebug)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.DBUser == "" || c.DBName == "" {
		return fmt.Errorf("DB_USER and DB_NAME must be set")
	}
	switch c.Notifier {
	case "desktop", "log":
	default:
		return fmt.Errorf("NOTIFIER must be desktop or log, got %q", c.Notifier)
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("POLLING_INTERVAL must be positive, got %s", c.PollingInterval)
	}
	if c.StaleRunningAfter < 0 {
		return fmt.Errorf("STALE_RUNNING_AFTER must not be negative, got %s", c.StaleRunningAfter)
	}
	if c.SourceRowLimit <= 0 {
		return fmt.Errorf("SOURCE_ROW_LIMIT must be positive, got %d", c.SourceRowLimit)
	}
	return nil
}

func (c *Config) ConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%d sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}
