package storefront

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config selects and configures the storefront's collaborators. Every field
// can be loaded from the environment with ConfigFromEnv.
type Config struct {
	// App namespaces every persisted key. ENV: STOREFRONT_APP
	App string `env:"STOREFRONT_APP,default=storefront"`

	// Storage is one of memory, file, sqlite or redis. ENV: STOREFRONT_STORAGE
	Storage    string `env:"STOREFRONT_STORAGE,default=memory"`
	StorageDir string `env:"STOREFRONT_STORAGE_DIR,default=.storefront"`
	SQLitePath string `env:"STOREFRONT_SQLITE_PATH,default=storefront.db"`

	// Broker carries auth events between processes: memory or redis.
	// ENV: STOREFRONT_BROKER
	Broker string `env:"STOREFRONT_BROKER,default=memory"`

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string `env:"STOREFRONT_REDIS_PREFIX,default=storefront:"`

	// AuthURL is the identity provider project URL. ENV: STOREFRONT_AUTH_URL
	AuthURL    string `env:"STOREFRONT_AUTH_URL"`
	AuthAPIKey string `env:"STOREFRONT_AUTH_API_KEY"`
	// AuthIssuer enables OIDC discovery based access token verification.
	AuthIssuer   string `env:"STOREFRONT_AUTH_ISSUER"`
	AuthJWKSURL  string `env:"STOREFRONT_AUTH_JWKS_URL"`
	AuthAudience string `env:"STOREFRONT_AUTH_AUDIENCE"`
	// RealtimeURL is the websocket auth event feed. Optional.
	RealtimeURL string `env:"STOREFRONT_REALTIME_URL"`

	// CartURL is the cart REST API root. ENV: STOREFRONT_CART_URL
	CartURL  string  `env:"STOREFRONT_CART_URL"`
	SyncRate float64 `env:"STOREFRONT_SYNC_RATE,default=10"`

	OpTimeout     time.Duration `env:"STOREFRONT_OP_TIMEOUT,default=30s"`
	RefreshMargin time.Duration `env:"STOREFRONT_REFRESH_MARGIN,default=60s"`
	SignInPath    string        `env:"STOREFRONT_SIGNIN_PATH,default=/login"`

	FreeShippingThreshold int64 `env:"STOREFRONT_FREE_SHIPPING_THRESHOLD,default=2999"`
	ShippingFee           int64 `env:"STOREFRONT_SHIPPING_FEE,default=99"`
	TaxRateBPS            int64 `env:"STOREFRONT_TAX_RATE_BPS,default=0"`
}

// DefaultConfig returns the configuration ConfigFromEnv yields with an empty
// environment.
func DefaultConfig() Config {
	return Config{
		App:                   "storefront",
		Storage:               "memory",
		StorageDir:            ".storefront",
		SQLitePath:            "storefront.db",
		Broker:                "memory",
		RedisAddr:             "localhost:6379",
		RedisKeyPrefix:        "storefront:",
		SyncRate:              10,
		OpTimeout:             30 * time.Second,
		RefreshMargin:         60 * time.Second,
		SignInPath:            "/login",
		FreeShippingThreshold: 2999,
		ShippingFee:           99,
	}
}

// ConfigFromEnv decodes a Config from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("storefront: decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the backend selectors.
func (c Config) Validate() error {
	switch c.Storage {
	case "memory", "file", "sqlite", "redis":
	default:
		return fmt.Errorf("storefront: unknown storage %q", c.Storage)
	}
	switch c.Broker {
	case "memory", "redis":
	default:
		return fmt.Errorf("storefront: unknown broker %q", c.Broker)
	}
	if c.App == "" {
		return errors.New("storefront: app is required")
	}
	return nil
}
