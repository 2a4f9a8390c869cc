package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	MpesaBaseURL        string `env:"MPESA_BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	MpesaConsumerKey    string `env:"MPESA_CONSUMER_KEY,required,notEmpty"`
	MpesaConsumerSecret string `env:"MPESA_CONSUMER_SECRET,required,notEmpty"`
	MpesaShortCode      string `env:"MPESA_SHORTCODE,required,notEmpty"`
	MpesaPasskey        string `env:"MPESA_PASSKEY,required,notEmpty"`
	MpesaCallbackURL    string `env:"MPESA_CALLBACK_URL,required,notEmpty"`
	MpesaTimeoutS       int    `env:"MPESA_TIMEOUT_S" envDefault:"15"`

	DefaultVATRate float64  `env:"DEFAULT_VAT_RATE" envDefault:"0.05"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	CallbackReplayIntervalS   int `env:"CALLBACK_REPLAY_INTERVAL_S" envDefault:"30"`
	CallbackReplayMaxAttempts int `env:"CALLBACK_REPLAY_MAX_ATTEMPTS" envDefault:"5"`

	// Zero disables the sweep; pending pushes are then only recovered via the confirmation endpoint.
	PendingSweepIntervalS int `env:"PENDING_SWEEP_INTERVAL_S" envDefault:"0"`
	PendingStaleAfterS    int `env:"PENDING_STALE_AFTER_S" envDefault:"120"`

	OutboxEnabled       bool     `env:"OUTBOX_ENABLED" envDefault:"false"`
	KafkaBrokers        []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic          string   `env:"KAFKA_TOPIC" envDefault:"payment-status"`
	OutboxPollIntervalS int      `env:"OUTBOX_POLL_INTERVAL_S" envDefault:"5"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if cfg.OutboxEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("config.Load: KAFKA_BROKERS is required when OUTBOX_ENABLED is set")
	}
	return &cfg, nil
}

func (c *Config) MpesaTimeout() time.Duration {
	return time.Duration(c.MpesaTimeoutS) * time.Second
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) CallbackReplayInterval() time.Duration { return seconds(c.CallbackReplayIntervalS) }
func (c *Config) PendingSweepInterval() time.Duration   { return seconds(c.PendingSweepIntervalS) }
func (c *Config) PendingStaleAfter() time.Duration      { return seconds(c.PendingStaleAfterS) }
func (c *Config) OutboxPollInterval() time.Duration     { return seconds(c.OutboxPollIntervalS) }
