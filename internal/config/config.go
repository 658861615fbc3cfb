package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DBSource    string
	Port        string
	Env         string
	JWTSecret   string
	RabbitMQURI string

	RetryDelay        time.Duration
	SessionTTL        time.Duration
	RequestTTL        time.Duration
	IdempotencyWindow time.Duration
	// SweepInterval enables serve's in-process expiry sweep when positive.
	SweepInterval time.Duration
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("server_port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("retry_delay", time.Second)
	v.SetDefault("session_ttl", 10*time.Minute)
	v.SetDefault("request_ttl", 168*time.Hour)
	v.SetDefault("idempotency_window", 5*time.Minute)
	v.SetDefault("sweep_interval", time.Duration(0))

	// Environment variables are the upper-cased keys: DB_SOURCE, SERVER_PORT, ...
	v.AutomaticEnv()
	for _, key := range []string{"db_source", "jwt_secret", "rabbitmq_uri"} {
		v.BindEnv(key)
	}
	return v
}

// Load reads configuration from the environment, layered over an optional
// visapay.yaml in the working directory or the file named by configFile.
func Load(configFile string) (*Config, error) {
	v := newViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("visapay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return &Config{
		DBSource:          v.GetString("db_source"),
		Port:              v.GetString("server_port"),
		Env:               v.GetString("environment"),
		JWTSecret:         v.GetString("jwt_secret"),
		RabbitMQURI:       v.GetString("rabbitmq_uri"),
		RetryDelay:        v.GetDuration("retry_delay"),
		SessionTTL:        v.GetDuration("session_ttl"),
		RequestTTL:        v.GetDuration("request_ttl"),
		IdempotencyWindow: v.GetDuration("idempotency_window"),
		SweepInterval:     v.GetDuration("sweep_interval"),
	}, nil
}

// Validate checks the settings a server needs. DB_SOURCE may be empty only
// when the server runs on the in-memory ledger.
func (c *Config) Validate(memory bool) error {
	if c.DBSource == "" && !memory {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.RetryDelay <= 0 || c.SessionTTL <= 0 || c.RequestTTL <= 0 || c.IdempotencyWindow <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	return nil
}
