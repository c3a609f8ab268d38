package env

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host string `env:"RESPWIRE_HOST,default=127.0.0.1"`
	Port int    `env:"RESPWIRE_PORT,default=6379"`

	ReadTimeout  time.Duration `env:"RESPWIRE_READ_TIMEOUT,default=5s"`
	WriteTimeout time.Duration `env:"RESPWIRE_WRITE_TIMEOUT,default=5s"`
	DialTimeout  time.Duration `env:"RESPWIRE_DIAL_TIMEOUT,default=3s"`

	// MaxReplySize is in bytes, 0 disables the limit
	MaxReplySize int `env:"RESPWIRE_MAX_REPLY_SIZE,default=0"`

	LogLevel  string `env:"RESPWIRE_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"RESPWIRE_DEBUG_HTTP"`
}

// Addr is the host:port clients connect to and the server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadConfig reads the config from the environment. Values in .env.local, if
// it exists, are loaded first but never override variables that are already
// set.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env.local: %w", err)
	}

	return LoadConfigWith(ctx, envconfig.OsLookuper())
}

// LoadConfigWith reads the config from l instead of the environment.
func LoadConfigWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, l); err != nil {
		return nil, err
	}

	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Port)
	}

	if config.MaxReplySize < 0 {
		return nil, fmt.Errorf("invalid max reply size %d", config.MaxReplySize)
	}

	return &config, nil
}
