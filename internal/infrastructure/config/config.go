package config

import (
	"errors"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		StatsEveryMin int `toml:"stats_every_min"`
	} `toml:"app"`

	Binance struct {
		RestURL string `toml:"rest_url"`
		WsURL   string `toml:"ws_url"`
	} `toml:"binance"`

	Stream struct {
		Capacity       int `toml:"capacity"`         // 单组成员上限
		OverlapSeconds int `toml:"overlap_seconds"`  // make-before-break 重叠窗口
		RenewEveryMin  int `toml:"renew_every_min"`  // listen key 续期周期
		DedupWindow    int `toml:"dedup_window"`     // 去重器记忆窗口
	} `toml:"stream"`

	Writer struct {
		BalanceFlushSec int    `toml:"balance_flush_sec"`
		OrderFlushSec   int    `toml:"order_flush_sec"`
		ReferenceAsset  string `toml:"reference_asset"` // 手续费折算币种
	} `toml:"writer"`

	Redis struct {
		Addr           string `toml:"addr"`
		Password       string `toml:"password"`
		DB             int    `toml:"db"`
		Prefix         string `toml:"prefix"`
		ControlChannel string `toml:"control_channel"`
		PriceExchange  string `toml:"price_exchange"` // 价格缓存 field 的交易所前缀
	} `toml:"redis"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.StatsEveryMin <= 0 {
		cfg.App.StatsEveryMin = 5
	}
	if cfg.Binance.RestURL == "" {
		cfg.Binance.RestURL = "https://api.binance.com"
	}
	if cfg.Binance.WsURL == "" {
		cfg.Binance.WsURL = "wss://stream.binance.com:9443"
	}
	if cfg.Stream.Capacity <= 0 {
		cfg.Stream.Capacity = 100
	}
	if cfg.Stream.OverlapSeconds <= 0 {
		cfg.Stream.OverlapSeconds = 5
	}
	if cfg.Stream.RenewEveryMin <= 0 {
		cfg.Stream.RenewEveryMin = 30
	}
	if cfg.Stream.DedupWindow <= 0 {
		cfg.Stream.DedupWindow = 4096
	}
	if cfg.Writer.BalanceFlushSec <= 0 {
		cfg.Writer.BalanceFlushSec = 5
	}
	if cfg.Writer.OrderFlushSec <= 0 {
		cfg.Writer.OrderFlushSec = 3
	}
	if cfg.Writer.ReferenceAsset == "" {
		cfg.Writer.ReferenceAsset = "USDT"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "udsmux"
	}
	if cfg.Redis.ControlChannel == "" {
		cfg.Redis.ControlChannel = cfg.Redis.Prefix + ":accounts"
	}
	if cfg.Redis.PriceExchange == "" {
		cfg.Redis.PriceExchange = "BINANCE"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is empty (control channel requires redis)")
	}
	if cfg.Postgres.Enabled && cfg.SQLite.Enabled {
		return errors.New("enable exactly one of postgres / sqlite")
	}
	if !cfg.Postgres.Enabled && !cfg.SQLite.Enabled {
		return errors.New("no storage backend enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.SQLite.Enabled && strings.TrimSpace(cfg.SQLite.Path) == "" {
		return errors.New("sqlite.path empty but enabled")
	}
	return nil
}
