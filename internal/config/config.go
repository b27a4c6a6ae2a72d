package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix for every environment key, e.g. CODEROOM_PORT. Unprefixed keys are read as a fallback.
const Prefix = "CODEROOM"

// Config holds server configuration
type Config struct {
	Port            int           `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Environment     string        `envconfig:"ENVIRONMENT" default:"production" validate:"oneof=development production test"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`

	DBPath string `envconfig:"DB_PATH" default:"./data/coderoom.db" validate:"required"`

	// Empty disables the room event feed
	RedisAddr     string `envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" validate:"min=0"`

	EventsPerSecond   float64 `envconfig:"EVENTS_PER_SECOND" default:"100" validate:"gt=0"`
	EventBurst        int     `envconfig:"EVENT_BURST" default:"200" validate:"min=1"`
	ConnectsPerMinute int     `envconfig:"CONNECTS_PER_MINUTE" default:"60" validate:"min=1"`

	RetentionInterval      time.Duration `envconfig:"RETENTION_INTERVAL" default:"10m" validate:"gt=0"`
	RetentionKeepMessages  int           `envconfig:"RETENTION_KEEP_MESSAGES" default:"500" validate:"min=0"`
	RetentionClosedRoomTTL time.Duration `envconfig:"RETENTION_CLOSED_ROOM_TTL" default:"168h" validate:"min=0"`
}

// Load reads an optional .env file, then the environment, then validates
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads and validates configuration from the environment only
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Origins returns the allowed websocket origins; nil means any
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range c.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return nil
		}
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
