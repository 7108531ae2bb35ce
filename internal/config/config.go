package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Units     UnitsConfig     `yaml:"units"`
	Backend   BackendConfig   `yaml:"backend"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Proxies   []ProxyConfig   `yaml:"proxies"`
	Batches   []BatchConfig   `yaml:"batches"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// UnitsConfig controls the unit lifecycle. RecreateAfter is the age at which
// an open unit is closed and reopened.
type UnitsConfig struct {
	RecreateAfter time.Duration `yaml:"recreate_after"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

type BackendConfig struct {
	Slippage  float64 `yaml:"slippage"`
	LongFirst *bool   `yaml:"long_first"`
}

func (b BackendConfig) LongFirstValue() bool {
	if b.LongFirst == nil {
		return true
	}
	return *b.LongFirst
}

type AccountConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	PublicAddress string `yaml:"public_address"`
	PrivateKeyEnv string `yaml:"private_key_env"`
	ProxyID       string `yaml:"proxy_id"`
}

type ProxyConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BatchConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Account1ID string `yaml:"account_1_id"`
	Account2ID string `yaml:"account_2_id"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return false
	}
	return *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
}

type TimescaleConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DSN              string        `yaml:"dsn"`
	Schema           string        `yaml:"schema"`
	QueueSize        int           `yaml:"queue_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.WS.MaxReconnectDelay == 0 {
		cfg.WS.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.WS.MaxReconnectDelay < cfg.WS.ReconnectDelay {
		cfg.WS.MaxReconnectDelay = cfg.WS.ReconnectDelay
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-unit-keeper.db"
	}
	if cfg.Units.RecreateAfter == 0 {
		cfg.Units.RecreateAfter = time.Hour
	}
	if cfg.Units.ScanInterval == 0 {
		cfg.Units.ScanInterval = time.Second
	}
	if cfg.Units.ActionTimeout == 0 {
		cfg.Units.ActionTimeout = 2 * time.Minute
	}
	if cfg.Backend.Slippage == 0 {
		cfg.Backend.Slippage = 0.01
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 30 * time.Second
	}
	if cfg.Timescale.SnapshotInterval == 0 {
		cfg.Timescale.SnapshotInterval = time.Minute
	}
	for i := range cfg.Accounts {
		cfg.Accounts[i].ID = strings.TrimSpace(cfg.Accounts[i].ID)
		cfg.Accounts[i].PublicAddress = strings.TrimSpace(cfg.Accounts[i].PublicAddress)
		cfg.Accounts[i].ProxyID = strings.TrimSpace(cfg.Accounts[i].ProxyID)
	}
}

func validate(cfg *Config) error {
	if len(cfg.Accounts) == 0 {
		return errors.New("at least one account is required")
	}
	if cfg.Units.RecreateAfter < 0 {
		return errors.New("units.recreate_after must be > 0")
	}
	if cfg.Backend.Slippage < 0 || cfg.Backend.Slippage >= 1 {
		return errors.New("backend.slippage must be in [0, 1)")
	}
	proxies := make(map[string]struct{}, len(cfg.Proxies))
	for _, proxy := range cfg.Proxies {
		if proxy.ID == "" {
			return errors.New("proxy id is required")
		}
		if proxy.Host == "" {
			return fmt.Errorf("proxy %s: host is required", proxy.ID)
		}
		proxies[proxy.ID] = struct{}{}
	}
	accounts := make(map[string]struct{}, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		if acc.ID == "" {
			return errors.New("account id is required")
		}
		if _, dup := accounts[acc.ID]; dup {
			return fmt.Errorf("duplicate account id %s", acc.ID)
		}
		if acc.PublicAddress == "" {
			return fmt.Errorf("account %s: public_address is required", acc.ID)
		}
		if acc.ProxyID != "" {
			if _, ok := proxies[acc.ProxyID]; !ok {
				return fmt.Errorf("account %s: unknown proxy %s", acc.ID, acc.ProxyID)
			}
		}
		accounts[acc.ID] = struct{}{}
	}
	for _, batch := range cfg.Batches {
		if batch.Account1ID == batch.Account2ID {
			return fmt.Errorf("batch %s: accounts must be distinct", batch.ID)
		}
		for _, id := range []string{batch.Account1ID, batch.Account2ID} {
			if _, ok := accounts[id]; !ok {
				return fmt.Errorf("batch %s: unknown account %s", batch.ID, id)
			}
		}
	}
	return nil
}
