package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Chain struct {
		ChainID int64    `yaml:"chain_id" toml:"chain_id"`
		Network string   `yaml:"network" toml:"network"`
		USDC    string   `yaml:"usdc" toml:"usdc"`
		RPCURLs []string `yaml:"rpc_urls" toml:"rpc_urls"`
	} `yaml:"chain" toml:"chain"`
	Platform struct {
		URL            string `yaml:"url" toml:"url"`
		APIKey         string `yaml:"api_key" toml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
		MaxPaymentUSDC string `yaml:"max_payment_usdc" toml:"max_payment_usdc"`
	} `yaml:"platform" toml:"platform"`
	Agent struct {
		ID                    string `yaml:"id" toml:"id"`
		KeyStore              string `yaml:"key_store" toml:"key_store"`
		Strategy              string `yaml:"strategy" toml:"strategy"`
		ExecutionMode         string `yaml:"execution_mode" toml:"execution_mode"`
		ReviewIntervalSeconds int    `yaml:"review_interval_seconds" toml:"review_interval_seconds"`
		SlippageBps           int    `yaml:"slippage_bps" toml:"slippage_bps"`
		DirectSellSignatures  bool   `yaml:"direct_sell_signatures" toml:"direct_sell_signatures"`
	} `yaml:"agent" toml:"agent"`
	Risk struct {
		MaxPositionSizeUSDC string `yaml:"max_position_size_usdc" toml:"max_position_size_usdc"`
		MaxPositions        int    `yaml:"max_positions" toml:"max_positions"`
		MinBalanceUSDC      string `yaml:"min_balance_usdc" toml:"min_balance_usdc"`
	} `yaml:"risk" toml:"risk"`
	Schedule struct {
		// StartHour == EndHour means no working-hours window.
		StartHour int    `yaml:"start_hour" toml:"start_hour"`
		EndHour   int    `yaml:"end_hour" toml:"end_hour"`
		Timezone  string `yaml:"timezone" toml:"timezone"`
	} `yaml:"schedule" toml:"schedule"`
	LLM struct {
		Provider        string  `yaml:"provider" toml:"provider"`
		Model           string  `yaml:"model" toml:"model"`
		BaseURL         string  `yaml:"base_url" toml:"base_url"`
		APIKey          string  `yaml:"api_key" toml:"api_key"`
		Path            string  `yaml:"path" toml:"path"`
		Temperature     float64 `yaml:"temperature" toml:"temperature"`
		MaxOutputTokens int     `yaml:"max_output_tokens" toml:"max_output_tokens"`
		TimeoutSeconds  int     `yaml:"timeout_seconds" toml:"timeout_seconds"`
		MaxPaymentUSDC  string  `yaml:"max_payment_usdc" toml:"max_payment_usdc"`
	} `yaml:"llm" toml:"llm"`
	Log struct {
		Level      string `yaml:"level" toml:"level"`
		File       string `yaml:"file" toml:"file"`
		MaxSizeMB  int64  `yaml:"max_size_mb" toml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
		JSON       bool   `yaml:"json" toml:"json"`
	} `yaml:"log" toml:"log"`
	Journal struct {
		Path string `yaml:"path" toml:"path"`
	} `yaml:"journal" toml:"journal"`
	API struct {
		Enabled bool   `yaml:"enabled" toml:"enabled"`
		Addr    string `yaml:"addr" toml:"addr"`
	} `yaml:"api" toml:"api"`
}

// AgentConfiguration is the immutable per-run view of Config. Amounts are
// USDC atomic units.
type AgentConfiguration struct {
	ID              string
	Strategy        string
	ExecutionMode   string
	ReviewInterval  time.Duration
	MaxPositionSize *big.Int
	MaxPositions    int
	MinBalance      *big.Int
	StartHour       int
	EndHour         int
	Timezone        string
	SlippageBps     int
	DirectSell      bool
}

func DefaultDir(home string) string {
	return filepath.Join(home, ".launchagent")
}

func DefaultPath(home string) string {
	return filepath.Join(DefaultDir(home), "config.yaml")
}

func Default(home string) Config {
	dir := DefaultDir(home)
	cfg := Config{}
	cfg.Chain.ChainID = 8453
	cfg.Chain.Network = "base"
	cfg.Chain.RPCURLs = []string{"https://mainnet.base.org"}
	cfg.Platform.URL = "http://localhost:3000"
	cfg.Platform.TimeoutSeconds = 30
	cfg.Platform.MaxPaymentUSDC = "0.10"
	cfg.Agent.ID = "agent"
	cfg.Agent.KeyStore = filepath.Join(dir, "keys")
	cfg.Agent.Strategy = "Trade cautiously. Buy tokens with rising 24h volume, take profit at +15%, cut losses at -10%."
	cfg.Agent.ExecutionMode = "auto"
	cfg.Agent.ReviewIntervalSeconds = 300
	cfg.Agent.SlippageBps = 100
	cfg.Risk.MaxPositionSizeUSDC = "5"
	cfg.Risk.MaxPositions = 5
	cfg.Risk.MinBalanceUSDC = "1"
	cfg.Schedule.Timezone = "UTC"
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxOutputTokens = 512
	cfg.LLM.TimeoutSeconds = 60
	cfg.LLM.MaxPaymentUSDC = "0.05"
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 20
	cfg.Log.MaxBackups = 3
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.API.Addr = "127.0.0.1:8787"
	return cfg
}

// Load reads YAML, or TOML when path ends in .toml, over the defaults.
func Load(path, home string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default(home)
	if isTOML(path) {
		err = toml.Unmarshal(b, &cfg)
	} else {
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func Write(path string, cfg Config) error {
	var (
		b   []byte
		err error
	)
	if isTOML(path) {
		b, err = toml.Marshal(cfg)
	} else {
		b, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadEnv loads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("AGENT_ID", &c.Agent.ID)
	str("STRATEGY", &c.Agent.Strategy)
	str("EXECUTION_MODE", &c.Agent.ExecutionMode)
	str("PLATFORM_URL", &c.Platform.URL)
	str("PLATFORM_API_KEY", &c.Platform.APIKey)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_API_KEY", &c.LLM.APIKey)
	str("USDC_ADDRESS", &c.Chain.USDC)
	str("LOG_LEVEL", &c.Log.Level)
	str("API_ADDR", &c.API.Addr)
	str("MAX_POSITION_SIZE_USDC", &c.Risk.MaxPositionSizeUSDC)
	str("MIN_BALANCE_USDC", &c.Risk.MinBalanceUSDC)

	if v := strings.TrimSpace(os.Getenv("RPC_URLS")); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		c.Chain.RPCURLs = urls
	}
	if v := strings.TrimSpace(os.Getenv("CHAIN_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}
	if v := strings.TrimSpace(os.Getenv("REVIEW_INTERVAL_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REVIEW_INTERVAL_SECONDS: %w", err)
		}
		c.Agent.ReviewIntervalSeconds = n
	}
	return nil
}

// Validate reports every fatal configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("chain.chain_id must be positive, got %d", c.Chain.ChainID))
	}
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, errors.New("chain.rpc_urls is empty"))
	}
	if strings.TrimSpace(c.Platform.URL) == "" {
		errs = append(errs, errors.New("platform.url is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Agent.ExecutionMode)) {
	case "", "auto", "gasless", "self-execute":
	default:
		errs = append(errs, fmt.Errorf("agent.execution_mode %q is not one of auto, gasless, self-execute", c.Agent.ExecutionMode))
	}
	if c.Agent.ReviewIntervalSeconds <= 0 {
		errs = append(errs, errors.New("agent.review_interval_seconds must be positive"))
	}
	if c.Risk.MaxPositions < 0 {
		errs = append(errs, errors.New("risk.max_positions must not be negative"))
	}
	for name, v := range map[string]string{
		"risk.max_position_size_usdc": c.Risk.MaxPositionSizeUSDC,
		"risk.min_balance_usdc":       c.Risk.MinBalanceUSDC,
		"platform.max_payment_usdc":   c.Platform.MaxPaymentUSDC,
		"llm.max_payment_usdc":        c.LLM.MaxPaymentUSDC,
	} {
		if _, err := usdcAtomic(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Schedule.StartHour < 0 || c.Schedule.StartHour > 23 || c.Schedule.EndHour < 0 || c.Schedule.EndHour > 24 {
		errs = append(errs, fmt.Errorf("schedule hours %d-%d out of range", c.Schedule.StartHour, c.Schedule.EndHour))
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	return errors.Join(errs...)
}

func (c Config) AgentConfiguration() (AgentConfiguration, error) {
	if err := c.Validate(); err != nil {
		return AgentConfiguration{}, err
	}
	maxSize, _ := usdcAtomic(c.Risk.MaxPositionSizeUSDC)
	minBalance, _ := usdcAtomic(c.Risk.MinBalanceUSDC)
	mode := strings.ToLower(strings.TrimSpace(c.Agent.ExecutionMode))
	if mode == "" {
		mode = "auto"
	}
	return AgentConfiguration{
		ID:              c.Agent.ID,
		Strategy:        c.Agent.Strategy,
		ExecutionMode:   mode,
		ReviewInterval:  time.Duration(c.Agent.ReviewIntervalSeconds) * time.Second,
		MaxPositionSize: maxSize,
		MaxPositions:    c.Risk.MaxPositions,
		MinBalance:      minBalance,
		StartHour:       c.Schedule.StartHour,
		EndHour:         c.Schedule.EndHour,
		Timezone:        c.Schedule.Timezone,
		SlippageBps:     c.Agent.SlippageBps,
		DirectSell:      c.Agent.DirectSellSignatures,
	}, nil
}

// USDCAtomic parses a whole-USDC decimal into atomic units.
func USDCAtomic(v string) (*big.Int, error) { return usdcAtomic(v) }

func usdcAtomic(v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", v)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", v)
	}
	return d.Shift(6).Floor().BigInt(), nil
}
