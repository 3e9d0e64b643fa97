package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the gateway process. All values come from
// VOXGATE_-prefixed environment variables; a .env file is honored when present.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	DBURL       string `envconfig:"DB_URL"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	TLSCertPath string `envconfig:"TLS_CERT"`
	TLSKeyPath  string `envconfig:"TLS_KEY"`

	// StrictAuth closes a connection whose in-frame re-auth fails instead of
	// only rejecting the frame.
	StrictAuth bool `envconfig:"STRICT_AUTH" default:"false"`

	ClusterMode bool `envconfig:"CLUSTER_MODE" default:"false"`
	Workers     int  `envconfig:"WORKERS" default:"0"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`

	SendBuffer    int           `envconfig:"SEND_BUFFER" default:"64"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"3s"`
	// ShutdownDeadline is the hard limit after which the process exits
	// non-zero even if teardown has stalled.
	ShutdownDeadline time.Duration `envconfig:"SHUTDOWN_DEADLINE" default:"15s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

func Load() (Config, error) {
	// Missing .env is not an error; explicit environment always wins.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("voxgate", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.New("heartbeat timeout must exceed the probe interval")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send buffer must be positive")
	}
	return nil
}
