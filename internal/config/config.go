package config

import "github.com/kelseyhightower/envconfig"

type SchedulerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Billing provider
	StripeAPIKey  string `envconfig:"STRIPE_API_KEY" required:"true"`
	StripeBaseURL string `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com"`
	SyncInterval  string `envconfig:"SYNC_INTERVAL" default:"15m"`
	SyncPageSize  int    `envconfig:"SYNC_PAGE_SIZE" default:"100"`

	// Email provider
	ResendAPIKey   string  `envconfig:"RESEND_API_KEY" required:"true"`
	ResendBaseURL  string  `envconfig:"RESEND_BASE_URL" default:"https://api.resend.com"`
	EmailFrom      string  `envconfig:"EMAIL_FROM" required:"true"`
	DefaultReplyTo string  `envconfig:"DEFAULT_REPLY_TO"`
	EmailRPS       float64 `envconfig:"EMAIL_RPS" default:"5"`
	EmailBurst     int     `envconfig:"EMAIL_BURST" default:"10"`

	// Dispatch engine
	DispatchInterval   string `envconfig:"DISPATCH_INTERVAL" default:"10m"`
	DispatchBatchSize  int    `envconfig:"DISPATCH_BATCH_SIZE" default:"50"`
	StaleClaimAfter    string `envconfig:"STALE_CLAIM_AFTER" default:"15m"`

	// DB pool
	DBMaxConns int32 `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBMinConns int32 `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
}

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	ListLimit int `envconfig:"API_LIST_LIMIT" default:"100"`
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
