package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                int      `env:"PORT" envDefault:"8080"`
	DatabaseURL         string   `env:"DATABASE_URL,required"`
	RedisURL            string   `env:"REDIS_URL,required"`
	TokenSecret         string   `env:"TOKEN_SECRET,required"`
	TokenTTLHours       int      `env:"TOKEN_TTL_HOURS" envDefault:"24"`
	RSAKeyBits          int      `env:"RSA_KEY_BITS" envDefault:"2048"`
	LogLevel            string   `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins      []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	RateLimitPerMin     int      `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	AuthRateLimitPerMin int      `env:"AUTH_RATE_LIMIT_PER_MIN" envDefault:"10"`
	MigrateOnStart      bool     `env:"MIGRATE_ON_START" envDefault:"true"`
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.TokenTTLHours <= 0 {
		return fmt.Errorf("TOKEN_TTL_HOURS must be positive")
	}
	if c.RSAKeyBits < MinRSAKeyBits {
		return fmt.Errorf("RSA_KEY_BITS must be at least %d", MinRSAKeyBits)
	}

	if isProduction {
		if err := validateSecret("TOKEN_SECRET", c.TokenSecret); err != nil {
			return err
		}
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				log.Warn().Msg("ALLOWED_ORIGINS contains '*' in production: any site can open relay connections")
			}
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
