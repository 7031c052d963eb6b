// Package ops loads and validates the trader configuration.
package ops

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/yanun0323/errors"
)

// Config is the resolved trader configuration.
type Config struct {
	Binance   BinanceConfig   `mapstructure:"binance"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Data      DataConfig      `mapstructure:"data"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// BinanceConfig holds exchange connectivity settings.
type BinanceConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	RestURL    string `mapstructure:"rest_url"`
	StreamURL  string `mapstructure:"stream_url"`
	RecvWindow int    `mapstructure:"recv_window_seconds"`
}

// OracleConfig holds the prediction channel settings.
type OracleConfig struct {
	SocketPath  string        `mapstructure:"socket_path"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SlowCall    time.Duration `mapstructure:"slow_call"`
}

// DataConfig holds local persistence locations.
type DataConfig struct {
	CandlesDir string `mapstructure:"candles_dir"`
	ParamsDir  string `mapstructure:"params_dir"`
}

// TradingConfig holds the reconciliation tunables. MinNotional and Debounce
// default to the values the strategy was calibrated with; both are
// overridable per deployment.
type TradingConfig struct {
	MinNotional         float64       `mapstructure:"min_notional"`
	Debounce            time.Duration `mapstructure:"debounce"`
	NotifyOnCancelCount int           `mapstructure:"notify_on_cancel_count"`
	RecentTickWindow    time.Duration `mapstructure:"recent_tick_window"`
	RecollectGap        time.Duration `mapstructure:"recollect_gap"`
}

// MinNotionalDecimal returns the configured notional floor.
func (c TradingConfig) MinNotionalDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinNotional)
}

// AlertsConfig holds notification settings.
type AlertsConfig struct {
	TelegramToken       string  `mapstructure:"telegram_token"`
	TelegramChatID      int64   `mapstructure:"telegram_chat_id"`
	USDBalanceThreshold float64 `mapstructure:"usd_balance_threshold"`
	MinBNBBalance       float64 `mapstructure:"min_bnb_balance"`
}

// JournalConfig holds the optional order/fill journal settings.
type JournalConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ProfilingConfig holds optional pyroscope settings.
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
	AppName       string `mapstructure:"app_name"`
}

// Load reads the config file at path and applies defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("binance.rest_url", "https://fapi.binance.com")
	v.SetDefault("binance.stream_url", "wss://fstream.binance.com/ws")
	v.SetDefault("binance.recv_window_seconds", 30)
	v.SetDefault("oracle.socket_path", "/tmp/tradebot-oracle.sock")
	v.SetDefault("oracle.dial_timeout", time.Minute)
	v.SetDefault("oracle.slow_call", 4*time.Second)
	v.SetDefault("data.candles_dir", "data/candles")
	v.SetDefault("data.params_dir", "data/params")
	v.SetDefault("trading.min_notional", 5.0)
	v.SetDefault("trading.debounce", 30*time.Second)
	v.SetDefault("trading.notify_on_cancel_count", 10)
	v.SetDefault("trading.recent_tick_window", 20*time.Minute)
	v.SetDefault("trading.recollect_gap", 30*time.Second)
	v.SetDefault("alerts.usd_balance_threshold", 0.0)
	v.SetDefault("alerts.min_bnb_balance", 0.01)
	v.SetDefault("profiling.app_name", "tradebot")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the trader cannot run with.
func (c Config) Validate() error {
	if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return errors.New("binance api credentials are required")
	}
	if c.Oracle.SocketPath == "" {
		return errors.New("oracle socket path is required")
	}
	if c.Data.CandlesDir == "" {
		return errors.New("candles directory is required")
	}
	if c.Trading.MinNotional < 0 {
		return errors.New("min notional must be >= 0")
	}
	if c.Trading.Debounce < 0 {
		return errors.New("debounce must be >= 0")
	}
	if c.Trading.NotifyOnCancelCount <= 0 {
		return errors.New("notify on cancel count must be > 0")
	}
	return nil
}
