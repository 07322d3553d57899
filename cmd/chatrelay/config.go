package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is read from the environment, optionally seeded by a .env file.
type Config struct {
	Host            string        `env:"RELAY_HOST"`
	Port            int           `env:"RELAY_PORT,default=9000" validate:"min=1,max=65535"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=5s"`
	JoinTimeout     time.Duration `env:"JOIN_TIMEOUT,default=30s"`
	MaxLineBytes    int           `env:"MAX_LINE_BYTES,default=65536" validate:"min=256"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	SSHAddr         string        `env:"SSH_ADDR" validate:"omitempty,hostname_port"`
	SSHHostKey      string        `env:"SSH_HOST_KEY,default=configs/ssh_host_ed25519"`
	HTTPAddr        string        `env:"HTTP_ADDR" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// loadConfig reads envFile (a missing file is fine), the environment and the
// optional positional port argument, in increasing order of precedence.
func loadConfig(envFile string, args []string) (Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return Config{}, fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		cfg.Port = port
	}

	if cfg.WriteTimeout < 0 || cfg.JoinTimeout < 0 || cfg.ShutdownTimeout < 0 {
		return Config{}, errors.New("timeouts must not be negative")
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
