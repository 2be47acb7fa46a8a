// Package config содержит логику чтения конфигурации сервиса факторинга.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса факторинга.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	AdminIdentity string        `env:"ADMIN_IDENTITY"`
	AuthSecret    string        `env:"AUTH_SECRET"`
	ClockInterval time.Duration `env:"CLOCK_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAdminIdentity := cfg.AdminIdentity
	envAuthSecret := cfg.AuthSecret
	envClockInterval := cfg.ClockInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AdminIdentity, "o", "", "platform administrator identity")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for identity token verification")
	flag.DurationVar(&cfg.ClockInterval, "t", time.Second, "ledger clock tick interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAdminIdentity != "" {
		cfg.AdminIdentity = envAdminIdentity
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envClockInterval != 0 {
		cfg.ClockInterval = envClockInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = time.Second
	}

	return cfg, nil
}
