package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Market   MarketConfig   `mapstructure:"market"`
	Margin   MarginConfig   `mapstructure:"margin"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Universe UniverseConfig `mapstructure:"universe"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
	// AfterHoursStaging accepts orders outside market hours and stages them
	// for the sweeper. Never enabled in production.
	AfterHoursStaging bool `mapstructure:"after_hours_staging"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MarketConfig struct {
	OpenHour          int  `mapstructure:"open_hour"`
	OpenMinute        int  `mapstructure:"open_minute"`
	CloseHour         int  `mapstructure:"close_hour"`
	CloseMinute       int  `mapstructure:"close_minute"`
	StaleQuoteSeconds int  `mapstructure:"stale_quote_seconds"`
	SimulateQuotes    bool `mapstructure:"simulate_quotes"`
}

type MarginConfig struct {
	FuturesMarginRate     float64 `mapstructure:"futures_margin_rate"`
	OptionSellerSurcharge float64 `mapstructure:"option_seller_surcharge"`
	MarginCeiling         float64 `mapstructure:"margin_ceiling"`
	MaxOrderNotional      float64 `mapstructure:"max_order_notional"`
}

type WalletConfig struct {
	OpeningBalance float64 `mapstructure:"opening_balance"`
}

type UniverseConfig struct {
	// AllowedSegments restricts tradable instruments by segment. Empty means
	// every active instrument is allowed.
	AllowedSegments []string `mapstructure:"allowed_segments"`
	AllowedTokens   []uint32 `mapstructure:"allowed_tokens"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Load reads configuration from the given YAML file, overriding with
// PAPER_* environment variables, then applies defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PAPER")
	v.BindEnv("server.port", "PAPER_PORT")
	v.BindEnv("server.env", "PAPER_ENV")
	v.BindEnv("server.after_hours_staging", "PAPER_AFTER_HOURS_STAGING")
	v.BindEnv("database.path", "PAPER_DATABASE_PATH")
	v.BindEnv("market.stale_quote_seconds", "PAPER_STALE_QUOTE_SECONDS")
	v.BindEnv("market.simulate_quotes", "PAPER_SIMULATE_QUOTES")
	v.BindEnv("wallet.opening_balance", "PAPER_OPENING_BALANCE")
	v.BindEnv("auth.jwt_secret", "PAPER_JWT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// A malformed file is fatal; a missing one falls back to env.
			if path != "" {
				fmt.Printf("config file %s not readable: %v, falling back to environment\n", path, err)
			}
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// Default returns the configuration used when no file or environment is
// present, e.g. in tests.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "development"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "paper.db"
	}
	if cfg.Market.OpenHour == 0 && cfg.Market.OpenMinute == 0 {
		cfg.Market.OpenHour = 9
		cfg.Market.OpenMinute = 15
	}
	if cfg.Market.CloseHour == 0 {
		cfg.Market.CloseHour = 15
		cfg.Market.CloseMinute = 30
	}
	if cfg.Market.StaleQuoteSeconds == 0 {
		cfg.Market.StaleQuoteSeconds = 60
	}
	if cfg.Margin.FuturesMarginRate == 0 {
		cfg.Margin.FuturesMarginRate = 0.15
	}
	if cfg.Margin.OptionSellerSurcharge == 0 {
		cfg.Margin.OptionSellerSurcharge = 0.20
	}
	if cfg.Margin.MarginCeiling == 0 {
		cfg.Margin.MarginCeiling = 10_000_000
	}
	if cfg.Margin.MaxOrderNotional == 0 {
		cfg.Margin.MaxOrderNotional = 50_000_000
	}
	if cfg.Wallet.OpeningBalance == 0 {
		cfg.Wallet.OpeningBalance = 1_000_000
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "paper-market-secret"
	}
}
