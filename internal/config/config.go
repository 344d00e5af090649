package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Websocket struct {
	MarketURL string `yaml:"market_url"` // price feed (market channel)
	UserURL   string `yaml:"user_url"`   // own-order + trader-activity feed (user channel)
}

type Chain struct {
	WSURL          string  `yaml:"ws_url"`  // log-subscription endpoint; empty disables the watcher
	RPCURL         string  `yaml:"rpc_url"` // HTTP JSON-RPC endpoint
	ChainID        int64   `yaml:"chain_id"`
	BackfillBlocks int64   `yaml:"backfill_blocks"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
}

type Commission struct {
	Enabled               bool    `yaml:"enabled"`
	RateBps               int     `yaml:"rate_bps"`
	MinUSD                float64 `yaml:"min_usd"`
	TreasuryAddress       string  `yaml:"treasury_address"`
	ReconcileIntervalSecs int     `yaml:"reconcile_interval_seconds"`
	MaxRetries            int     `yaml:"max_retries"`
}

type Mirror struct {
	MinTradeUSD float64 `yaml:"min_trade_usd"`
}

type Exchange struct {
	BaseURL string `yaml:"base_url"` // order-execution service endpoint
}

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
	SSLMode  string `yaml:"ssl_mode"`
}

type Telegram struct {
	BotToken string `yaml:"bot_token"`
	APIURL   string `yaml:"api_url"`
}

type Root struct {
	Websocket   Websocket  `yaml:"websocket"`
	Chain       Chain      `yaml:"chain"`
	Commission  Commission `yaml:"commission"`
	Mirror      Mirror     `yaml:"mirror"`
	Exchange    Exchange   `yaml:"exchange"`
	Database    Database   `yaml:"database"`
	Telegram    Telegram   `yaml:"telegram"`
	RefreshSecs int        `yaml:"refresh_seconds"` // full subscription-index refresh interval
	MetricsAddr string     `yaml:"metrics_addr"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Websocket.MarketURL == "" {
		c.Websocket.MarketURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if c.Websocket.UserURL == "" {
		c.Websocket.UserURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 137
	}
	if c.Chain.BackfillBlocks == 0 {
		c.Chain.BackfillBlocks = 1000
	}
	if c.Chain.RatePerSecond == 0 {
		c.Chain.RatePerSecond = 5
	}
	if c.Commission.RateBps == 0 {
		c.Commission.RateBps = 100 // 1%
	}
	if c.Commission.MinUSD == 0 {
		c.Commission.MinUSD = 0.01
	}
	if c.Commission.ReconcileIntervalSecs == 0 {
		c.Commission.ReconcileIntervalSecs = 600
	}
	if c.Commission.MaxRetries == 0 {
		c.Commission.MaxRetries = 3
	}
	if c.Mirror.MinTradeUSD == 0 {
		c.Mirror.MinTradeUSD = 1.0
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "http://127.0.0.1:8090"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = 4
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	if c.RefreshSecs == 0 {
		c.RefreshSecs = 300
	}

	return c, nil
}
