package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres / sqlite
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ChainConfig struct {
	RPCURL          string  `mapstructure:"rpc_url"`
	ChainID         int64   `mapstructure:"chain_id"`
	USDTContract    string  `mapstructure:"usdt_contract"`
	USDTDecimals    int32   `mapstructure:"usdt_decimals"`
	NativePriceUSD  string  `mapstructure:"native_price_usd"`
	SignerURL       string  `mapstructure:"signer_url"`
	Mnemonic        string  `mapstructure:"mnemonic"`
	ExplorerURL     string  `mapstructure:"explorer_url"`
	ExplorerAPIKey  string  `mapstructure:"explorer_api_key"`
	ExplorerRPS     float64 `mapstructure:"explorer_rps"`
	BreakerFailures uint32  `mapstructure:"breaker_failures"`
}

type WalletConfig struct {
	LockTTL                time.Duration `mapstructure:"lock_ttl"`
	LockAttempts           uint          `mapstructure:"lock_attempts"`
	LockInitialDelay       time.Duration `mapstructure:"lock_initial_delay"`
	LockMaxDelay           time.Duration `mapstructure:"lock_max_delay"`
	IdempotencyRetention   time.Duration `mapstructure:"idempotency_retention"`
	IdempotencyInFlightTTL time.Duration `mapstructure:"idempotency_inflight_ttl"`
	QuoteTTL               time.Duration `mapstructure:"quote_ttl"`
	CallTimeout            time.Duration `mapstructure:"call_timeout"`
	SettlementTimeout      time.Duration `mapstructure:"settlement_timeout"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`
}

type LogConfig struct {
	File        string `mapstructure:"file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxAge      int    `mapstructure:"max_age"`
	MaxBackups  int    `mapstructure:"max_backups"`
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

const (
	DefaultChainID      = 56
	DefaultUSDTContract = "0x55d398326f99059ff775485246999027b3197955"
	DefaultUSDTDecimals = 18
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":             ":8080",
		"server.jwt_secret":       "",
		"server.shutdown_timeout": 10 * time.Second,

		"database.driver": "postgres",
		"database.dsn":    "host=localhost user=postgres password=postgres dbname=vault sslmode=disable",

		"redis.enabled":  false,
		"redis.addr":     "localhost:6379",
		"redis.password": "",
		"redis.db":       0,

		"chain.rpc_url":          "https://bsc-dataseed.binance.org/",
		"chain.chain_id":         DefaultChainID,
		"chain.usdt_contract":    DefaultUSDTContract,
		"chain.usdt_decimals":    DefaultUSDTDecimals,
		"chain.native_price_usd": "300",
		"chain.signer_url":       "",
		"chain.mnemonic":         "",
		"chain.explorer_url":     "https://api.bscscan.com/api",
		"chain.explorer_api_key": "",
		"chain.explorer_rps":     5.0,
		"chain.breaker_failures": 5,

		"wallet.lock_ttl":                 30 * time.Second,
		"wallet.lock_attempts":            10,
		"wallet.lock_initial_delay":       100 * time.Millisecond,
		"wallet.lock_max_delay":           2 * time.Second,
		"wallet.idempotency_retention":    24 * time.Hour,
		"wallet.idempotency_inflight_ttl": 10 * time.Minute,
		"wallet.quote_ttl":                30 * time.Second,
		"wallet.call_timeout":             15 * time.Second,
		"wallet.settlement_timeout":       90 * time.Second,
		"wallet.poll_interval":            3 * time.Second,
		"wallet.sweep_interval":           time.Minute,
		"wallet.reconcile_interval":       30 * time.Second,

		"log.file":        "vault.log",
		"log.max_size":    100,
		"log.max_age":     7,
		"log.max_backups": 3,
		"log.compress":    true,
		"log.development": false,
	}
}

// Load reads the YAML file at path (optional) and applies VAULT_* environment
// overrides, e.g. VAULT_CHAIN_RPC_URL for chain.rpc_url.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, Validate(&cfg)
}

func Validate(cfg *Config) error {
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if err := validateChain(&cfg.Chain); err != nil {
		return err
	}
	return validateWallet(&cfg.Wallet)
}

func validateChain(c *ChainConfig) error {
	if err := validateURL(c.RPCURL, "http"); err != nil {
		return fmt.Errorf("chain.rpc_url: %w", err)
	}
	if c.ChainID <= 0 {
		return errors.New("invalid chain.chain_id")
	}
	if len(c.USDTContract) != 42 || !strings.HasPrefix(c.USDTContract, "0x") {
		return errors.New("invalid chain.usdt_contract")
	}
	if c.USDTDecimals <= 0 || c.USDTDecimals > 36 {
		return errors.New("invalid chain.usdt_decimals")
	}
	if c.SignerURL == "" && c.Mnemonic == "" {
		return errors.New("either chain.signer_url or chain.mnemonic is required")
	}
	if c.SignerURL != "" {
		if err := validateURL(c.SignerURL, "http"); err != nil {
			return fmt.Errorf("chain.signer_url: %w", err)
		}
	}
	if c.ExplorerURL != "" {
		if err := validateURL(c.ExplorerURL, "http"); err != nil {
			return fmt.Errorf("chain.explorer_url: %w", err)
		}
	}
	return nil
}

func validateWallet(w *WalletConfig) error {
	if w.LockTTL <= 0 {
		return errors.New("invalid wallet.lock_ttl")
	}
	if w.LockAttempts == 0 {
		return errors.New("invalid wallet.lock_attempts")
	}
	if w.IdempotencyRetention <= 0 {
		return errors.New("invalid wallet.idempotency_retention")
	}
	if w.QuoteTTL <= 0 {
		return errors.New("invalid wallet.quote_ttl")
	}
	if w.SettlementTimeout <= 0 || w.PollInterval <= 0 {
		return errors.New("invalid wallet settlement timing")
	}
	if w.PollInterval >= w.SettlementTimeout {
		return errors.New("wallet.poll_interval must be shorter than wallet.settlement_timeout")
	}
	if w.SweepInterval <= 0 || w.ReconcileInterval <= 0 {
		return errors.New("invalid wallet job interval")
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	return nil
}
