package global

import (
	"time"

	"ChatGateway/tools/errs"

	"github.com/caarlos0/env/v11"
)

// Config is the process-wide gateway configuration, parsed from the
// environment once at startup.
type Config struct {
	GatewayID  string `env:"GATEWAY_ID" envDefault:"ws-gw-1"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":4001"`

	// Credential verification. An empty secret is a configuration error:
	// the gateway refuses to start rather than refuse every handshake.
	JWTSecret string `env:"JWT_SECRET"`
	JWTAlg    string `env:"JWT_ALG" envDefault:"HS256"`

	// Cross-origin policy for browser clients. "*" allows any origin.
	AllowedOrigin string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	// Broker selection. redis is the default bus; nats and kafka satisfy
	// the same contract, memory is single-instance only.
	BrokerDriver string   `env:"BROKER_DRIVER" envDefault:"redis"`
	RedisAddr    string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass    string   `env:"REDIS_PASSWORD"`
	RedisDB      int      `env:"REDIS_DB" envDefault:"0"`
	NatsURL      string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaGroup   string   `env:"KAFKA_GROUP" envDefault:"ws-gateway"`

	// Connection keepalive.
	PingInterval time.Duration `env:"PING_INTERVAL" envDefault:"25s"`
	PongTimeout  time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	// Fan-out worker pool.
	FanoutWorkers int `env:"FANOUT_WORKERS" envDefault:"8"`
	FanoutQueue   int `env:"FANOUT_QUEUE" envDefault:"1024"`
	SendQueueSize int `env:"SEND_QUEUE_SIZE" envDefault:"256"`

	NodeID int64 `env:"NODE_ID" envDefault:"1"`
}

// Load parses the environment and validates required settings.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errs.ErrConfiguration.WrapMsg("parse env", "err", err)
	}
	if cfg.JWTSecret == "" {
		return nil, errs.ErrConfiguration.WrapMsg("JWT_SECRET is required")
	}
	return cfg, nil
}
