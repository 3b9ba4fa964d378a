package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RedisURL         string   `mapstructure:"REDIS_URL"`
	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaEventsTopic string   `mapstructure:"KAFKA_EVENTS_TOPIC"`
	KafkaAccessTopic string   `mapstructure:"KAFKA_ACCESS_TOPIC"`
	KafkaGroupID     string   `mapstructure:"KAFKA_GROUP_ID"`

	LedgerBackend         string        `mapstructure:"LEDGER_BACKEND"`
	LedgerRPCURL          string        `mapstructure:"LEDGER_RPC_URL"`
	LedgerPrivateKey      string        `mapstructure:"LEDGER_PRIVATE_KEY"`
	LedgerContractAddress string        `mapstructure:"LEDGER_CONTRACT_ADDRESS"`
	LedgerABIPath         string        `mapstructure:"LEDGER_ABI_PATH"`
	LedgerNetwork         string        `mapstructure:"LEDGER_NETWORK"`
	LedgerLocalPath       string        `mapstructure:"LEDGER_LOCAL_PATH"`
	LedgerAnchorTimeout   time.Duration `mapstructure:"LEDGER_ANCHOR_TIMEOUT"`
	LedgerVerifyTimeout   time.Duration `mapstructure:"LEDGER_VERIFY_TIMEOUT"`

	AnchorMode          string        `mapstructure:"ANCHOR_MODE"`
	AnchorRetryInterval time.Duration `mapstructure:"ANCHOR_RETRY_INTERVAL"`
	AnchorMaxAttempts   int           `mapstructure:"ANCHOR_MAX_ATTEMPTS"`

	OTPTTL         time.Duration `mapstructure:"OTP_TTL"`
	OTPDigits      int           `mapstructure:"OTP_DIGITS"`
	OTPMaxAttempts int           `mapstructure:"OTP_MAX_ATTEMPTS"`
}

var keys = []string{
	"PORT", "ENV", "CORS_ORIGINS",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_EVENTS_TOPIC", "KAFKA_ACCESS_TOPIC", "KAFKA_GROUP_ID",
	"LEDGER_BACKEND", "LEDGER_RPC_URL", "LEDGER_PRIVATE_KEY", "LEDGER_CONTRACT_ADDRESS",
	"LEDGER_ABI_PATH", "LEDGER_NETWORK", "LEDGER_LOCAL_PATH",
	"LEDGER_ANCHOR_TIMEOUT", "LEDGER_VERIFY_TIMEOUT",
	"ANCHOR_MODE", "ANCHOR_RETRY_INTERVAL", "ANCHOR_MAX_ATTEMPTS",
	"OTP_TTL", "OTP_DIGITS", "OTP_MAX_ATTEMPTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("STORE_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_EVENTS_TOPIC", "prescription-events")
	v.SetDefault("KAFKA_ACCESS_TOPIC", "prescription-access")
	v.SetDefault("KAFKA_GROUP_ID", "rxtrust")
	v.SetDefault("LEDGER_BACKEND", "none")
	v.SetDefault("LEDGER_NETWORK", "")
	v.SetDefault("LEDGER_LOCAL_PATH", "data/ledger")
	v.SetDefault("LEDGER_ANCHOR_TIMEOUT", "30s")
	v.SetDefault("LEDGER_VERIFY_TIMEOUT", "5s")
	v.SetDefault("ANCHOR_MODE", "inline")
	v.SetDefault("ANCHOR_RETRY_INTERVAL", "30s")
	v.SetDefault("ANCHOR_MAX_ATTEMPTS", 8)
	v.SetDefault("OTP_TTL", "10m")
	v.SetDefault("OTP_DIGITS", 4)
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" && cfg.StoreBackend != "memory" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalises comma separated env values that viper may hand back
// as a single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, p := range parsed {
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks enumerations and cross-field constraints. Missing ledger
// credentials are tolerated.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be \"postgres\" or \"memory\", got %q", c.StoreBackend)
	}
	if c.IsProduction() && c.StoreBackend == "memory" {
		return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
	}
	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set in production")
	}

	switch c.LedgerBackend {
	case "evm", "local", "none":
	default:
		return fmt.Errorf("LEDGER_BACKEND must be \"evm\", \"local\", or \"none\", got %q", c.LedgerBackend)
	}
	if c.LedgerBackend == "local" && c.LedgerLocalPath == "" {
		return fmt.Errorf("LEDGER_LOCAL_PATH is required when LEDGER_BACKEND is \"local\"")
	}
	if c.LedgerAnchorTimeout <= 0 || c.LedgerVerifyTimeout <= 0 {
		return fmt.Errorf("ledger timeouts must be positive")
	}

	switch c.AnchorMode {
	case "inline", "deferred":
	default:
		return fmt.Errorf("ANCHOR_MODE must be \"inline\" or \"deferred\", got %q", c.AnchorMode)
	}
	if c.AnchorMaxAttempts < 1 {
		return fmt.Errorf("ANCHOR_MAX_ATTEMPTS must be at least 1, got %d", c.AnchorMaxAttempts)
	}
	if c.AnchorRetryInterval <= 0 {
		return fmt.Errorf("ANCHOR_RETRY_INTERVAL must be positive")
	}

	if c.OTPTTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive, got %s", c.OTPTTL)
	}
	if c.OTPDigits < 4 || c.OTPDigits > 8 {
		return fmt.Errorf("OTP_DIGITS must be between 4 and 8, got %d", c.OTPDigits)
	}
	if c.OTPMaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1, got %d", c.OTPMaxAttempts)
	}
	return nil
}
