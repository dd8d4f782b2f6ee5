// Package config loads engine configuration with viper. Values come from
// an optional yaml file, GAIADEX_-prefixed environment variables, and
// programmatic defaults, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root engine configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Router  RouterConfig  `mapstructure:"router"`
	Journal JournalConfig `mapstructure:"journal"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type EngineConfig struct {
	DefaultMakerFee string `mapstructure:"default_maker_fee"`
	DefaultTakerFee string `mapstructure:"default_taker_fee"`
	// MarketDataTradeBuffer bounds the per-pair trade history kept in memory.
	MarketDataTradeBuffer int `mapstructure:"market_data_trade_buffer"`
}

type RouterConfig struct {
	MaxHops         int           `mapstructure:"max_hops"`
	QuoteTTL        time.Duration `mapstructure:"quote_ttl"`
	DefaultSlippage string        `mapstructure:"default_slippage"`
	GasBaseCost     int64         `mapstructure:"gas_base_cost"`
	GasCostPerHop   int64         `mapstructure:"gas_cost_per_hop"`
}

type JournalConfig struct {
	// Backend is "badger" or "memory".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("engine.default_maker_fee", "0.001")
	v.SetDefault("engine.default_taker_fee", "0.002")
	v.SetDefault("engine.market_data_trade_buffer", 1000)
	v.SetDefault("router.max_hops", 3)
	v.SetDefault("router.quote_ttl", 30*time.Second)
	v.SetDefault("router.default_slippage", "0.005")
	v.SetDefault("router.gas_base_cost", 21000)
	v.SetDefault("router.gas_cost_per_hop", 60000)
	v.SetDefault("journal.backend", "memory")
	v.SetDefault("journal.path", "./data/journal")
}

// Load reads configuration from path (may be empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GAIADEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No file found: defaults and environment apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}
